package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

const (
	backoffInitial    = 500 * time.Millisecond
	backoffMax        = 10 * time.Second
	backoffMultiplier = 2.0
)

// poster sends JSON to HTTP endpoints, retrying transport errors, 429 and
// 5xx responses with jittered exponential backoff.
type poster struct {
	client  *http.Client
	retries int
	initial time.Duration
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("endpoint returned HTTP %d", e.code)
	}
	return fmt.Sprintf("endpoint returned HTTP %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (p *poster) postJSON(ctx context.Context, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	bo := &backoff{current: p.initial}
	for attempt := 0; ; attempt++ {
		err = p.post(ctx, url, headers, body)
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if attempt >= p.retries || ctx.Err() != nil {
			return err
		}

		wait := bo.next()
		slog.Debug("notify: post failed, will retry", "url", url, "attempt", attempt+1, "retry_in", wait, "err", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
}

func (p *poster) post(ctx context.Context, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter
	d += time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	if d < 0 {
		d = 0
	}
	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}
