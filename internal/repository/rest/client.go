// Package rest implements the remote repositories over the task REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/tasktracker/internal/errs"
	"github.com/and161185/tasktracker/internal/repository"
)

const maxBody = 4 << 20

// TokenSource supplies the current bearer token ("" = anonymous).
type TokenSource interface {
	Token() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTokenSource sets where the bearer token comes from.
func WithTokenSource(ts TokenSource) Option { return func(c *Client) { c.tokens = ts } }

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithMetrics enables request metrics.
func WithMetrics(m *Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithTimeout bounds every request; 0 disables the bound.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// Client performs JSON calls against the API base URL and normalizes failures into *errs.APIError.
type Client struct {
	base    *url.URL
	http    *http.Client
	tokens  TokenSource
	log     *zap.Logger
	metrics *Metrics
	timeout time.Duration
}

// NewClient parses baseURL once and applies options.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("api base url %q: want http(s)://host[/path]", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c := &Client{base: u, http: http.DefaultClient, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the parsed API base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Get performs GET path and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, nil, out)
}

// Post performs POST path with in as JSON body.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, in, out)
}

// Put performs PUT path with in as JSON body.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPut, path, nil, in, out)
}

// Delete performs DELETE path; the response body is discarded.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) bearer(ctx context.Context) string {
	if tok, ok := repository.BearerFromCtx(ctx); ok {
		return tok
	}
	if c.tokens != nil {
		return c.tokens.Token()
	}
	return ""
}

// Do performs a request. in and out may be nil; query may be nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rid, _ := uuid.NewV4()
	req.Header.Set("X-Request-ID", rid.String())
	if tok := c.bearer(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(method, 0, time.Since(start))
		c.log.Warn("http",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", rid.String()),
			zap.Error(err),
		)
		return &errs.APIError{Err: fmt.Errorf("%w: %w", errs.ErrTransport, err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	dur := time.Since(start)
	c.metrics.observe(method, resp.StatusCode, dur)
	// только метаданные, без тел и токенов
	c.log.Info("http",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("code", resp.StatusCode),
		zap.Duration("dur", dur),
		zap.String("request_id", rid.String()),
	)
	if err != nil {
		return &errs.APIError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: read body: %w", errs.ErrTransport, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &errs.APIError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: decode response: %w", errs.ErrTransport, err)}
	}
	return nil
}

// decodeError maps a non-2xx response to *errs.APIError.
// detail may be a string or a list of validation items with "msg".
func decodeError(status int, raw []byte) error {
	e := &errs.APIError{StatusCode: status, Err: sentinelFor(status)}

	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &env) != nil || len(env.Detail) == 0 {
		return e
	}
	var s string
	if json.Unmarshal(env.Detail, &s) == nil {
		e.Detail = s
		return e
	}
	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if json.Unmarshal(env.Detail, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg == "" {
				continue
			}
			if len(it.Loc) > 0 {
				msgs = append(msgs, fmt.Sprintf("%v: %s", it.Loc[len(it.Loc)-1], it.Msg))
				continue
			}
			msgs = append(msgs, it.Msg)
		}
		e.Detail = strings.Join(msgs, "; ")
	}
	return e
}

func sentinelFor(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrUnauthorized
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusConflict:
		return errs.ErrAlreadyExists
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.ErrValidation
	}
	if status >= 500 {
		return errors.New(http.StatusText(status))
	}
	return nil
}
