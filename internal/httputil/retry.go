// Package httputil provides a retrying HTTP request helper for calls to the
// board API.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/boardcast/recorder/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls how Do backs off between attempts.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of the delay, 0.3 = ±30%
}

// DefaultRetryConfig returns the settings used for board API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// RetryableStatusError is returned when every attempt ended in a
// retryable status.
type RetryableStatusError struct {
	StatusCode int
	URL        string
	Attempts   int
}

func (e *RetryableStatusError) Error() string {
	return fmt.Sprintf("%s: %d %s after %d attempts",
		e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Attempts)
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do sends the request, retrying transport errors and retryable statuses.
// body is replayed on every attempt. A Retry-After header in seconds
// replaces the computed backoff, capped at MaxDelay.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	var (
		lastErr error
		wait    time.Duration
	)
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = applyJitter(delay, cfg.JitterFrac)
				delay = nextDelay(delay, cfg)
			}
			log.Debug("retrying board api request", "attempt", attempt, "delay", wait, "url", url)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			wait = 0
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !retryable(resp.StatusCode) {
			return resp, nil
		}

		wait = retryAfter(resp.Header.Get("Retry-After"), cfg.MaxDelay)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &RetryableStatusError{StatusCode: resp.StatusCode, URL: url, Attempts: attempt + 1}
	}

	log.Warn("board api request failed",
		"method", method,
		"url", url,
		"attempts", cfg.MaxRetries+1,
		logging.KeyError, lastErr,
	)
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextDelay(d time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(d) * cfg.BackoffFactor)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

// retryAfter parses a delay-seconds Retry-After value. HTTP dates and
// garbage yield zero.
func retryAfter(v string, max time.Duration) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if max > 0 && d > max {
		return max
	}
	return d
}

// applyJitter adds ±frac random jitter to d.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	out := time.Duration(float64(d) + float64(d)*frac*(2*rand.Float64()-1))
	if out < 0 {
		return 0
	}
	return out
}
