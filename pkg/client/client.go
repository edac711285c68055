// Package client is the Go client of the flowrun HTTP API: listing flows and
// blocks, running them, and following executions by polling or streaming.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultTimeout      = 30 * time.Second
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultPollInterval = time.Second
	DefaultMaxRetries   = 3

	apiPrefix = "/api/v1"
)

var ErrMissingAPIKey = errors.New("api key is required")

type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	maxRetries   uint
	retryWait    time.Duration
	pollInterval time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger

	Flows      *FlowsService
	Blocks     *BlocksService
	Executions *ExecutionsService
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the default client, which has a DefaultTimeout
// deadline. Streams never use that deadline.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetries sets how many times a retryable request is repeated and the
// first wait between attempts.
func WithRetries(maxRetries uint, wait time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryWait = wait
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a client authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	c := &Client{
		baseURL:      DefaultBaseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		maxRetries:   DefaultMaxRetries,
		retryWait:    500 * time.Millisecond,
		pollInterval: DefaultPollInterval,
		clock:        clockwork.NewRealClock(),
		logger:       slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("module", "flowrun_client")
	c.Flows = &FlowsService{client: c}
	c.Blocks = &BlocksService{client: c}
	c.Executions = &ExecutionsService{client: c}

	return c, nil
}

type request struct {
	method  string
	path    string
	body    any
	headers map[string]string
	// retryable requests are repeated on transport errors, 429 and 5xx.
	retryable bool
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// do sends r and decodes a successful response into out.
func (c *Client) do(ctx context.Context, r request, out any) error {
	var payload []byte

	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		payload = raw
	}

	var lastAPIError *APIError

	operation := func() (*http.Response, error) {
		req, err := c.newRequest(ctx, r.method, r.path, payload)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		for name, value := range r.headers {
			req.Header.Set(name, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if !r.retryable || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}

			c.logger.DebugContext(ctx, "Request failed, retrying", "path", r.path, "error", err)

			return nil, err
		}

		if resp.StatusCode < http.StatusBadRequest {
			return resp, nil
		}

		apiErr := newAPIError(resp)
		_ = resp.Body.Close()
		lastAPIError = apiErr

		if !r.retryable || !apiErr.retryable() {
			return nil, backoff.Permanent(apiErr)
		}

		c.logger.DebugContext(ctx, "Retryable response", "path", r.path, "status", apiErr.StatusCode)

		if apiErr.RetryAfter > 0 {
			return nil, backoff.RetryAfter(int(apiErr.RetryAfter / time.Second))
		}

		return nil, apiErr
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryWait

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxRetries+1),
	)
	if err != nil {
		var (
			permanent  *backoff.PermanentError
			retryAfter *backoff.RetryAfterError
		)

		switch {
		case errors.As(err, &permanent):
			return permanent.Unwrap()
		case errors.As(err, &retryAfter) && lastAPIError != nil:
			return lastAPIError
		default:
			return err
		}
	}

	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// RunOption tunes an execute or run call.
type RunOption func(*request)

// WithIdempotencyKey makes repeated calls with the same key return the first
// execution. It also makes the call safe to retry.
func WithIdempotencyKey(key string) RunOption {
	return func(r *request) {
		r.headers["Idempotency-Key"] = key
		r.retryable = true
	}
}

func (c *Client) run(ctx context.Context, path string, input any, opts []RunOption) (*Run, error) {
	if input == nil {
		input = map[string]any{}
	}

	r := request{
		method:  http.MethodPost,
		path:    path,
		body:    map[string]any{"input": input},
		headers: map[string]string{},
	}

	for _, opt := range opts {
		opt(&r)
	}

	var run Run
	if err := c.do(ctx, r, &run); err != nil {
		return nil, err
	}

	return &run, nil
}
