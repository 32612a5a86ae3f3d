package archive

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// doWithRetry wraps an idempotent HTTP call with retry logic.
// It will attempt the request up to MaxRetries+1 times (initial + retries).
//   - Retries only on transient network errors, 408, 429 and 5xx statuses.
//   - Respects Retry-After headers from rate limiting responses.
//   - Respects the provided ctx (deadline / cancellation).
//
// The last retryable response is returned as-is so the caller can classify it.
func (c *Client) doWithRetry(
	ctx context.Context,
	op string,
	do func(ctx context.Context) (*http.Response, error),
) (*http.Response, error) {
	maxAttempts := c.cfg.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Debug("archive request",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		last := attempt == maxAttempts-1
		var wait time.Duration

		if err != nil {
			// Context errors: never retry
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
			}
			if !isTransientNetError(err) {
				return nil, &Error{Kind: KindRejected, Op: op, Err: err}
			}
			if last {
				return nil, &Error{Kind: KindTransient, Op: op, Err: err}
			}
		} else if !shouldRetryStatus(status) || last {
			return resp, nil
		} else {
			wait = parseRetryAfter(resp)
			// close body before retrying so connection can be reused
			resp.Body.Close()
		}

		if wait <= 0 {
			wait = Backoff(c.cfg.BaseBackoff, 0, attempt)
		} else {
			c.logger.Info("honoring Retry-After header",
				zap.String("op", op),
				zap.Duration("wait", wait),
				zap.Int("status", status),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	// unreachable: the last attempt always returns
	return nil, &Error{Kind: KindTransient, Op: op, Message: "retries exhausted"}
}

// netFaults are substrings of wrapped network errors that do not surface as
// typed net errors.
var netFaults = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"temporary failure",
	"unexpected eof",
	"tls handshake timeout",
}

// isTransientNetError reports whether a transport error is worth another try.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary || dnsErr.IsNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, f := range netFaults {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// shouldRetryStatus: 408, 429 and every 5xx. Status 0 means no response.
func shouldRetryStatus(status int) bool {
	return status == 0 ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// maxRetryAfter caps what the archive can ask us to wait.
const maxRetryAfter = 10 * time.Minute

// parseRetryAfter reads Retry-After as delta-seconds or an HTTP date.
// Missing, invalid or past values give 0.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	return min(max(d, 0), maxRetryAfter)
}

// Backoff calculates exponential backoff with full jitter: a random value
// between 0 and min(base*2^attempt, max). A zero max means 60s.
//
// Example progression (base=500ms):
// Attempt 0: 0-500ms
// Attempt 1: 0-1s
// Attempt 2: 0-2s
// ...capped at max
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 60 * time.Second
	}

	// 2^10 = 1024x multiplier is more than enough
	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}
	if attempt < 0 {
		attempt = 0
	}

	ceiling := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if ceiling > max {
		ceiling = max
	}

	return time.Duration(rand.Float64() * float64(ceiling))
}
