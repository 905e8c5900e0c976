package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
)

// Service is the subset of the remote relational service the engine uses.
//
// Insert and Update return the server's representation of the written row,
// or nil when the server did not send one.
type Service interface {
	Select(ctx context.Context, d query.Descriptor) ([]record.Row, error)
	Insert(ctx context.Context, entity string, row record.Row) (record.Row, error)
	Update(ctx context.Context, entity string, key, patch record.Row) (record.Row, error)
	Delete(ctx context.Context, entity string, key record.Row) error
	Call(ctx context.Context, procedure string, args map[string]any) (json.RawMessage, error)
}

// Validator checks a decoded row against its entity's schema.
type Validator interface {
	ValidateRow(entity string, row record.Row) error
}

// HTTPClient is a Service over HTTPS.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	validator  Validator
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sets the bearer token. It defaults to the API key.
func WithToken(token string) Option {
	return func(c *HTTPClient) {
		c.token = strings.TrimSpace(token)
	}
}

// WithValidator validates every row the server returns.
func WithValidator(v Validator) Option {
	return func(c *HTTPClient) {
		c.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReadRetries sets how many times a read (Select, Call) is retried on
// 429 or 5xx, and the delay bounds between attempts. Writes are never
// retried here; the outbox owns their retry policy.
func WithReadRetries(n int, base, max time.Duration) Option {
	return func(c *HTTPClient) {
		c.maxRetries = n
		c.baseDelay = base
		c.maxDelay = max
	}
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:54321"
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	c.token = c.apiKey
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Service = (*HTTPClient)(nil)

// Select reads the rows matching d.
func (c *HTTPClient) Select(ctx context.Context, d query.Descriptor) ([]record.Row, error) {
	if d.IsProcedure() {
		return nil, fmt.Errorf("select: %s is a procedure", d.Procedure)
	}
	q, err := encodeQuery(d)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", d.Entity, err)
	}
	body, err := c.do(ctx, "select "+d.Entity, http.MethodGet, restPath(d.Entity), q, nil, nil, true)
	if err != nil {
		return nil, err
	}
	return c.decodeRows(d.Entity, body)
}

// Insert upserts row, so a replayed insert with the same id is harmless.
func (c *HTTPClient) Insert(ctx context.Context, entity string, row record.Row) (record.Row, error) {
	headers := map[string]string{"Prefer": "return=representation,resolution=merge-duplicates"}
	body, err := c.do(ctx, "insert "+entity, http.MethodPost, restPath(entity), nil, headers, row, false)
	if err != nil {
		return nil, err
	}
	return c.firstRow(entity, body)
}

// Update applies patch to the row identified by key.
func (c *HTTPClient) Update(ctx context.Context, entity string, key, patch record.Row) (record.Row, error) {
	q, err := keyFilter(key)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", entity, err)
	}
	headers := map[string]string{"Prefer": "return=representation"}
	body, err := c.do(ctx, "update "+entity, http.MethodPatch, restPath(entity), q, headers, patch, false)
	if err != nil {
		return nil, err
	}
	return c.firstRow(entity, body)
}

// Delete removes the row identified by key. Deleting a row that no longer
// exists succeeds.
func (c *HTTPClient) Delete(ctx context.Context, entity string, key record.Row) error {
	q, err := keyFilter(key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", entity, err)
	}
	headers := map[string]string{"Prefer": "return=minimal"}
	_, err = c.do(ctx, "delete "+entity, http.MethodDelete, restPath(entity), q, headers, nil, false)
	return err
}

// Call invokes a named procedure and returns its raw JSON result.
func (c *HTTPClient) Call(ctx context.Context, procedure string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := c.do(ctx, "call "+procedure, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(procedure), nil, nil, args, true)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, &MalformedError{Err: fmt.Errorf("procedure %s returned invalid JSON", procedure)}
	}
	return json.RawMessage(body), nil
}

func restPath(entity string) string {
	return "/rest/v1/" + url.PathEscape(entity)
}

func (c *HTTPClient) do(
	ctx context.Context,
	op, method, requestPath string,
	params url.Values,
	headers map[string]string,
	body any,
	retry bool,
) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
	}
	target := c.baseURL + requestPath
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%s: %w", op, ctxErr)
			}
			return nil, &NetworkError{Op: op, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &NetworkError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if retry && attempt < c.maxRetries &&
			(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
			delay := c.retryDelay(attempt+1, retryAfter)
			c.logger.Debug("retrying read", "op", op, "status", resp.StatusCode, "delay", delay)
			if err := waitWithContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			RetryAfter: retryAfter,
		}
	}
}

func (c *HTTPClient) decodeRows(entity string, body []byte) ([]record.Row, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []record.Row{}, nil
	}
	rows, err := record.DecodeRows(body)
	if err != nil {
		return nil, &MalformedError{Entity: entity, Err: err}
	}
	if c.validator != nil {
		for i, row := range rows {
			if err := c.validator.ValidateRow(entity, row); err != nil {
				return nil, &MalformedError{Entity: entity, Err: fmt.Errorf("row %d: %w", i, err)}
			}
		}
	}
	return rows, nil
}

// firstRow decodes a representation response, which PostgREST sends as a
// one-element array.
func (c *HTTPClient) firstRow(entity string, body []byte) (record.Row, error) {
	rows, err := c.decodeRows(entity, body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// retryDelay returns the wait before retry number attempt. A Retry-After from the
// server replaces the exponential delay, capped at the same maximum.
func (c *HTTPClient) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	b := c.newReadBackoff()
	if retryAfter > 0 {
		return min(retryAfter, b.MaxInterval)
	}
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (c *HTTPClient) newReadBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxInterval = c.maxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 2 * time.Second
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
