package calcom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Version string

const (
	V2 Version = "v2"
	V1 Version = "v1"
)

const (
	maxRetries        = 3
	baseRetryDelay    = 500 * time.Millisecond
	cacheTTL          = 30 * time.Second
	cacheSize         = 128
	retryJitter       = 0.2
	backoffMultiplier = 2
)

// Request describes one provider call. Cacheable only takes effect for GET.
// Writes are retried past a received response only when IdempotencyKey is
// set or Idempotent marks the call as side effect free; otherwise a write is
// retried solely on connection-level failure before any response was
// observed.
type Request struct {
	Method  string
	Path    string
	Version Version
	Query   url.Values
	Body    any

	Cacheable bool

	// Idempotent marks a non-GET call that performs no write, such as a
	// POST-shaped availability read.
	Idempotent     bool
	IdempotencyKey string
}

type Response struct {
	StatusCode int
	Body       []byte

	// retryAfter carries the parsed Retry-After header, when present.
	retryAfter time.Duration
}

// Client issues HTTP calls against the provider with retry/backoff, a
// time-boxed GET cache and per-version auth: v2 sends a bearer header, v1
// appends the credential as a query parameter.
type Client struct {
	http      *http.Client
	v2Base    string
	v1Base    string
	apiKey    string
	cache     *expirable.LRU[string, []byte]
	log       *slog.Logger
	baseDelay time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(apiKey, v2Base, v1Base string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		http:      &http.Client{},
		v2Base:    v2Base,
		v1Base:    v1Base,
		apiKey:    apiKey,
		cache:     expirable.NewLRU[string, []byte](cacheSize, nil, cacheTTL),
		log:       log.With(slog.String("component", "calcom.client")),
		baseDelay: baseRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request with the retry, caching and fallback-signalling
// policy. On v2 exhaustion the returned error matches ErrNeedsFallback.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	key := cacheKey(req)
	if req.Cacheable && req.Method == http.MethodGet {
		if body, ok := c.cache.Get(key); ok {
			c.log.Debug("cache hit", slog.String("key", key))
			return &Response{StatusCode: http.StatusOK, Body: body}, nil
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.RandomizationFactor = retryJitter
	bo.Multiplier = backoffMultiplier
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, req)
		if err == nil && resp.StatusCode < 400 {
			if req.Cacheable && req.Method == http.MethodGet {
				c.cache.Add(key, resp.Body)
			}
			return resp, nil
		}

		var retryAfter time.Duration
		if err != nil {
			lastErr = fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
			// A body-read failure means the provider already received the
			// call; for a keyless write the outcome is ambiguous and must
			// not be retried.
			var bodyErr *bodyReadError
			if errors.As(err, &bodyErr) && !requestIdempotent(req) {
				return nil, lastErr
			}
		} else {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
			lastErr = apiErr
			if !c.retryable(req, apiErr) {
				return nil, apiErr
			}
			retryAfter = resp.retryAfter
		}

		if attempt >= maxRetries {
			c.log.Warn("attempts exhausted",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.String("version", string(req.Version)),
				slog.Any("err", lastErr),
			)
			if req.Version == V2 {
				return nil, fmt.Errorf("%w: %w", ErrNeedsFallback, lastErr)
			}
			return nil, lastErr
		}

		delay := bo.NextBackOff()
		if retryAfter > 0 {
			delay = retryAfter
		}
		c.log.Debug("retrying",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("err", lastErr),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ctx.Err())
		case <-timer.C:
		}
	}
}

// retryable applies the idempotency policy: reads retry on any transient
// status; writes that observed a response only retry when the caller
// supplied an idempotency key.
func (c *Client) retryable(req Request, apiErr *APIError) bool {
	return apiErr.Transient() && requestIdempotent(req)
}

func requestIdempotent(req Request) bool {
	return req.Method == http.MethodGet || req.Idempotent || req.IdempotencyKey != ""
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	base := c.v2Base
	if req.Version == V1 {
		base = c.v1Base
	}

	query := url.Values{}
	for k, vs := range req.Query {
		query[k] = vs
	}
	if req.Version == V1 {
		query.Set("apiKey", c.apiKey)
	}

	u := base + req.Path
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}

	var bodyReader io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Version == V2 {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &bodyReadError{err: err}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		retryAfter: parseRetryAfterHeader(httpResp.Header),
	}, nil
}

// cacheKey derives the cache identity from method, version, path and the
// normalized (sorted) query string.
func cacheKey(req Request) string {
	return req.Method + " " + string(req.Version) + req.Path + "?" + req.Query.Encode()
}

// bodyReadError marks a failure after the provider's status line arrived:
// the call was received even though its body never did.
type bodyReadError struct {
	err error
}

func (e *bodyReadError) Error() string {
	return fmt.Sprintf("read response body: %v", e.err)
}

func (e *bodyReadError) Unwrap() error { return e.err }

func parseRetryAfterHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
