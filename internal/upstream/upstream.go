// Package upstream holds the HTTP call policy shared by the geocoder and the
// ride backend clients: a bounded timeout per attempt, optional rate limiting,
// and at most one retry for idempotent GETs.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// NetworkError reports a failed upstream call: a transport failure, a timeout
// or a non-2xx status.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err wraps a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

type Caller struct {
	HTTP       *http.Client
	Timeout    time.Duration
	Limiter    *rate.Limiter // optional
	UserAgent  string
	RetryDelay time.Duration
}

func NewCaller(timeout time.Duration, limiter *rate.Limiter, userAgent string) *Caller {
	return &Caller{
		HTTP:       &http.Client{},
		Timeout:    timeout,
		Limiter:    limiter,
		UserAgent:  userAgent,
		RetryDelay: 200 * time.Millisecond,
	}
}

// GetJSON fetches url and decodes the body into out. Transport errors and 5xx
// responses are retried once.
func (c *Caller) GetJSON(ctx context.Context, op, url string, out any) error {
	body, err := c.do(ctx, op, http.MethodGet, url, nil)
	if err != nil && retryable(err) {
		select {
		case <-ctx.Done():
			return &NetworkError{Op: op, Err: ctx.Err()}
		case <-time.After(c.RetryDelay):
		}
		body, err = c.do(ctx, op, http.MethodGet, url, nil)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// PostJSON sends payload once and returns the raw response body. It is never
// retried so that a slow but successful create cannot be duplicated.
func (c *Caller) PostJSON(ctx context.Context, op, url string, payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", op, err)
	}
	return c.do(ctx, op, http.MethodPost, url, b)
}

func (c *Caller) do(ctx context.Context, op, method, url string, payload []byte) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Op: op, Err: err}
		}
	}

	var reader io.Reader = http.NoBody
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Op: op, Status: resp.StatusCode}
	}
	return body, nil
}

func retryable(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	if errors.Is(ne.Err, context.Canceled) {
		return false
	}
	return ne.Status == 0 || ne.Status >= 500
}
