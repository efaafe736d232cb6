// Package graph provides a resilient client for the Microsoft Graph
// directory API: bearer-token injection, rate-limit and retry handling,
// cursor pagination, and $batch splitting.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lqviet/entraflow/internal/observability"
)

const (
	// DefaultEndpoint is the current production API version.
	DefaultEndpoint = "https://graph.microsoft.com/v1.0"
	// BetaEndpoint exposes preview governance resources (PIM schedules,
	// access review definitions).
	BetaEndpoint = "https://graph.microsoft.com/beta"

	// batchLimit is the server-imposed cap on sub-requests per $batch call.
	batchLimit = 20
)

// Config holds directory client settings. Endpoint and TokenURL override
// the well-known URLs; tests point them at local servers.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Authority    string
	Scopes       []string
	UseBeta      bool
	Endpoint     string
	TokenURL     string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// RateLimit caps outgoing requests per second; zero disables the
	// limiter. RateBurst is the limiter bucket size.
	RateLimit float64
	RateBurst int

	TokenCacheFile string
}

// Resource is a decoded JSON object returned by the API.
type Resource map[string]interface{}

// Client is a resilient directory API client. All methods are safe for
// concurrent use.
type Client struct {
	cfg        Config
	baseURL    string
	tokens     *TokenManager
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *observability.Metrics
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	// sleep is replaced in tests to observe retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a directory client. metrics may be nil.
func NewClient(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Client {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		if cfg.UseBeta {
			baseURL = BetaEndpoint
		} else {
			baseURL = DefaultEndpoint
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "graph-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     NewTokenManager(cfg, logger),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		metrics:    metrics,
		limiter:    limiter,
		breaker:    breaker,
		sleep:      sleepCtx,
	}
}

// BaseURL returns the configured base endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens exposes the token manager, mainly for startup health logging.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Get performs a GET request against a path relative to the base endpoint.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (Resource, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (Resource, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (Resource, error) {
	return c.do(ctx, http.MethodPatch, path, nil, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (Resource, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do runs one logical request through the retry policy. The loop is
// iterative and bounded: 5xx/transport and 401 retries consume the
// MaxRetries budget; 429 waits honor the server delay without consuming
// it, bounded by the request context instead.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}) (Resource, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	reqURL := c.buildURL(path, params)

	attempt := 0
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		status, respBody, err := c.send(ctx, method, reqURL, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= c.cfg.MaxRetries {
				c.countRequest(method, "transient_error")
				return nil, &TransientHTTPError{Cause: err}
			}
			c.backoff(ctx, method, attempt, "transport", err.Error())
			attempt++
			continue
		}

		switch {
		case status == http.StatusTooManyRequests:
			delay := retryAfter(respBody.header, c.cfg.RetryDelay)
			c.countRetry("rate_limited")
			c.logger.Warn("rate limited, honoring Retry-After",
				zap.String("method", method), zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, &RateLimitError{RetryAfter: delay}
			}
			continue // does not consume the retry budget

		case status == http.StatusUnauthorized:
			c.tokens.Invalidate()
			if attempt >= c.cfg.MaxRetries {
				c.countRequest(method, "auth_error")
				return nil, &PermanentHTTPError{StatusCode: status, Body: string(respBody.data)}
			}
			c.countRetry("unauthorized")
			c.logger.Info("token rejected, retrying with fresh token", zap.String("method", method))
			attempt++
			continue

		case status >= 500:
			if attempt >= c.cfg.MaxRetries {
				c.countRequest(method, "transient_error")
				return nil, &TransientHTTPError{StatusCode: status, Body: string(respBody.data)}
			}
			c.backoff(ctx, method, attempt, "server_error", fmt.Sprintf("HTTP %d", status))
			attempt++
			continue

		case status >= 400:
			c.countRequest(method, "permanent_error")
			return nil, &PermanentHTTPError{StatusCode: status, Body: string(respBody.data)}
		}

		c.countRequest(method, "success")
		return decodeResource(respBody.data)
	}
}

type responseData struct {
	data   []byte
	header http.Header
}

// send performs one HTTP exchange through the circuit breaker. A non-2xx
// status is returned as data, not an error, so the breaker only counts
// transport-level failures.
func (c *Client) send(ctx context.Context, method, reqURL string, payload []byte) (int, responseData, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, responseData{}, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		return struct {
			status int
			body   responseData
		}{resp.StatusCode, responseData{data: data, header: resp.Header}}, nil
	})
	if err != nil {
		return 0, responseData{}, err
	}

	r := result.(struct {
		status int
		body   responseData
	})
	return r.status, r.body, nil
}

func (c *Client) backoff(ctx context.Context, method string, attempt int, reason, detail string) {
	delay := c.cfg.RetryDelay * (1 << attempt)
	c.countRetry(reason)
	c.logger.Warn("request failed, retrying",
		zap.String("method", method),
		zap.String("reason", detail),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay))
	_ = c.sleep(ctx, delay)
}

// GetAllPages follows the continuation cursor until absent and returns
// the concatenation of all pages in server order. A response without a
// "value" wrapper is treated as a single-item result.
func (c *Client) GetAllPages(ctx context.Context, path string, params url.Values) ([]Resource, error) {
	var items []Resource

	next := path
	nextParams := params
	for {
		page, err := c.Get(ctx, next, nextParams)
		if err != nil {
			return nil, err
		}
		nextParams = nil

		raw, ok := page["value"]
		if !ok {
			items = append(items, page)
			break
		}

		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("unexpected value field of type %T", raw)
		}
		for _, entry := range list {
			if m, ok := entry.(map[string]interface{}); ok {
				items = append(items, Resource(m))
			}
		}

		link, _ := page["@odata.nextLink"].(string)
		if link == "" {
			break
		}
		next = c.relativize(link)
	}

	c.logger.Debug("pagination complete", zap.String("path", path), zap.Int("items", len(items)))
	return items, nil
}

// relativize rewrites a continuation cursor relative to the base
// endpoint. Servers may hand back absolute URLs; reusing one verbatim
// would bypass the configured endpoint.
func (c *Client) relativize(link string) string {
	if strings.HasPrefix(link, c.baseURL) {
		return strings.TrimPrefix(link, c.baseURL)
	}
	if u, err := url.Parse(link); err == nil && u.IsAbs() {
		base, berr := url.Parse(c.baseURL)
		if berr == nil && strings.HasPrefix(u.Path, base.Path) {
			rel := strings.TrimPrefix(u.Path, base.Path)
			if u.RawQuery != "" {
				rel += "?" + u.RawQuery
			}
			return rel
		}
	}
	return link
}

// BatchRequest is one sub-request of a $batch call.
type BatchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    interface{}       `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// BatchResponse is one sub-response of a $batch call.
type BatchResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Batch submits the requests in chunks of at most batchLimit and returns
// the sub-responses in the order of the original requests. Empty
// sub-request ids are filled in.
func (c *Client) Batch(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error) {
	var out []BatchResponse

	for start := 0; start < len(requests); start += batchLimit {
		end := start + batchLimit
		if end > len(requests) {
			end = len(requests)
		}
		chunk := make([]BatchRequest, end-start)
		copy(chunk, requests[start:end])

		order := make(map[string]int, len(chunk))
		for i := range chunk {
			if chunk[i].ID == "" {
				chunk[i].ID = uuid.NewString()
			}
			order[chunk[i].ID] = i
		}

		resp, err := c.Post(ctx, "$batch", Resource{"requests": chunk})
		if err != nil {
			return nil, fmt.Errorf("batch chunk %d: %w", start/batchLimit, err)
		}

		raw, err := json.Marshal(resp["responses"])
		if err != nil {
			return nil, fmt.Errorf("re-encoding batch responses: %w", err)
		}
		var responses []BatchResponse
		if err := json.Unmarshal(raw, &responses); err != nil {
			return nil, fmt.Errorf("decoding batch responses: %w", err)
		}

		// The server does not guarantee sub-response order.
		ordered := make([]BatchResponse, len(chunk))
		placed := 0
		for _, r := range responses {
			if idx, ok := order[r.ID]; ok {
				ordered[idx] = r
				placed++
			}
		}
		if placed != len(chunk) {
			return nil, fmt.Errorf("batch returned %d of %d sub-responses", placed, len(chunk))
		}
		out = append(out, ordered...)
	}

	return out, nil
}

func (c *Client) buildURL(path string, params url.Values) string {
	u := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}
	return u
}

func (c *Client) countRequest(method, outcome string) {
	if c.metrics != nil {
		c.metrics.GraphRequests.WithLabelValues(method, outcome).Inc()
	}
}

func (c *Client) countRetry(reason string) {
	if c.metrics != nil {
		c.metrics.GraphRetries.WithLabelValues(reason).Inc()
	}
}

func decodeResource(data []byte) (Resource, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Resource{}, nil
	}
	var res Resource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return res, nil
}

// retryAfter parses the Retry-After header, falling back to the
// configured default delay.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
