package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 3, got)
	}
	if err := b.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errors.New("fail") })
	}
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond) // past Timeout, next request probes half-open

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("half-open probe %d failed: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed after successful probes, got %s", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errors.New("fail") })
	}
	time.Sleep(60 * time.Millisecond)

	_ = b.Execute(ctx, func() error { return errors.New("still failing") })
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected reopen after half-open failure, got %s", got)
	}
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	b := New("test", testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		func() {
			defer func() { _ = recover() }()
			_ = b.Execute(ctx, func() error { panic("kaboom") })
		}()
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open after panics, got %s", got)
	}
}

func TestHTTPClientCountsServerErrors(t *testing.T) {
	fails := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fails++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hc := NewHTTPClient(srv.Client(), "search", zap.NewNop())
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hc.Do(req)
		if err != nil {
			t.Fatalf("5xx should return the response, not an error: %v", err)
		}
		resp.Body.Close()
	}

	if got := hc.State(); got != StateOpen {
		t.Fatalf("expected open after repeated 5xx, got %s", got)
	}

	// Open breaker short-circuits before reaching the server
	before := fails
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := hc.Do(req); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if fails != before {
		t.Fatal("open breaker must not send requests")
	}
}

func TestHTTPClientClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	hc := NewHTTPClient(srv.Client(), "search", zap.NewNop())
	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hc.Do(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
	}
	if got := hc.State(); got != StateClosed {
		t.Fatalf("4xx must not trip the breaker, got %s", got)
	}
}
