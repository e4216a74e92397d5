package llm

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Retry with exponential backoff + jitter
// ---------------------------------------------------------------------------

// retryWithBackoff executes fn with retry logic. The retry behaviour depends
// on the HTTP status code returned:
//
//   - 429  → up to maxRetries retries with exponential backoff + jitter
//   - 5xx  → up to 3 retries
//   - 401/403 → no retry, return immediately
//   - Network error → up to 3 retries
//   - Unexpected status → retry once
//
// Cancelling ctx stops the loop between attempts.
func retryWithBackoff(ctx context.Context, log *zap.Logger, maxRetries int, fn func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := fn()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			retryLimit := min(3, maxRetries)
			if attempt >= retryLimit {
				return nil, lastErr
			}
			logRetry(log, attempt+1, retryLimit, err.Error())
			if err := backoffSleep(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt >= maxRetries {
				return resp, nil
			}
			drainAndClose(resp)
			logRetry(log, attempt+1, maxRetries, "rate limited (429)")

		case resp.StatusCode == 401 || resp.StatusCode == 403:
			return resp, nil

		case resp.StatusCode >= 500:
			retryLimit := min(3, maxRetries)
			if attempt >= retryLimit {
				return resp, nil
			}
			drainAndClose(resp)
			logRetry(log, attempt+1, retryLimit, fmt.Sprintf("server error (%d)", resp.StatusCode))

		default:
			if attempt >= 1 {
				return resp, nil
			}
			drainAndClose(resp)
			logRetry(log, attempt+1, 1, fmt.Sprintf("unexpected status (%d)", resp.StatusCode))
		}

		if err := backoffSleep(ctx, attempt); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

func logRetry(log *zap.Logger, attempt, max int, reason string) {
	log.Warn("LLM request retry",
		zap.Int("attempt", attempt),
		zap.Int("max", max),
		zap.String("reason", reason))
}

// backoffBase is the first retry delay; tests shrink it.
var backoffBase = 500 * time.Millisecond

func backoffSleep(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt)) * backoffBase
	d := base
	if half := int64(base / 2); half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drainAndClose(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
