package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient wraps an http.Client with a breaker. 5xx responses count as
// breaker failures; 4xx do not trip it.
type HTTPClient struct {
	client *http.Client
	b      *Breaker
}

func NewHTTPClient(client *http.Client, name string, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		client: client,
		b:      New(name, DefaultConfig(), logger),
	}
}

// Do executes the request through the breaker. When the breaker is open the
// request is not sent and ErrBreakerOpen is returned. A 5xx response is
// returned to the caller with a nil error after being counted as a failure.
func (hc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hc.b.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hc.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})

	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the underlying breaker state (health checks).
func (hc *HTTPClient) State() State { return hc.b.State() }

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
