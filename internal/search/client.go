package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathomlabs/fathom/internal/circuitbreaker"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/tracing"
	"github.com/fathomlabs/fathom/internal/util"
)

// ContentLimit caps each result's content field. Bounds memory and the prompt
// size of everything downstream; a policy, not a safeguard against bad data.
const ContentLimit = 3000

// DefaultMaxResults is used when a caller passes a limit below 1.
const DefaultMaxResults = 5

// Result is one search hit. A Result with Error set is a sentinel failure
// marker: still a valid list element, never a thrown error.
type Result struct {
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config holds the outbound search provider settings.
type Config struct {
	APIKey            string
	BaseURL           string
	MaxResults        int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client is a stateless wrapper around the Tavily-style search API. Failures
// never escape Search as errors; they come back as a single sentinel Result.
type Client struct {
	cfg     Config
	http    *circuitbreaker.HTTPClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tavily.com"
	}
	if cfg.MaxResults < 1 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, "search", logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}
}

type searchRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	IncludeRawContent bool   `json:"include_raw_content"`
	Topic             string `json:"topic"`
}

type searchResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search returns at most limit results, each with content clamped to
// ContentLimit runes. limit values below 1 fall back to the configured
// default. Any failure returns exactly one sentinel Result carrying Error.
func (c *Client) Search(ctx context.Context, query string, limit int) []Result {
	if limit < 1 {
		limit = c.cfg.MaxResults
	}

	start := time.Now()
	results, err := c.search(ctx, query, limit)
	if err != nil {
		metrics.RecordSearchMetrics("error", time.Since(start).Seconds())
		c.logger.Warn("Search request failed",
			zap.String("query", util.TruncateString(query, 120, true)),
			zap.Error(err),
		)
		return []Result{{Error: err.Error()}}
	}

	metrics.RecordSearchMetrics("ok", time.Since(start).Seconds())
	c.logger.Debug("Search completed",
		zap.String("query", util.TruncateString(query, 120, true)),
		zap.Int("results", len(results)),
	)
	return results
}

func (c *Client) search(ctx context.Context, query string, limit int) ([]Result, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("search api key not configured")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(searchRequest{
		APIKey:            c.cfg.APIKey,
		Query:             query,
		MaxResults:        limit,
		IncludeRawContent: false,
		Topic:             "general",
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.cfg.BaseURL+"/search")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search provider returned status %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]Result, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		if len(results) >= limit {
			break
		}
		results = append(results, Result{
			URL:     r.URL,
			Title:   r.Title,
			Content: util.ClampRunes(r.Content, ContentLimit),
		})
	}
	return results, nil
}

// Healthy reports whether the provider breaker currently admits requests.
func (c *Client) Healthy() bool {
	return c.http.State() != circuitbreaker.StateOpen
}
