package httputil

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/lanternops/gamepatch/internal/logging"
)

var log = logging.L("httputil")

// UserAgent is sent with every request made through Get.
var UserAgent = "gamepatch"

// Backoff describes how failed GETs are repeated. The zero value makes a
// single attempt.
type Backoff struct {
	Retries    int
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, e.g. 0.25 = ±25%
}

// NewBackoff returns the delay curve used for patch server requests with the
// given number of retries.
func NewBackoff(retries int) Backoff {
	return Backoff{
		Retries:    retries,
		Base:       500 * time.Millisecond,
		Cap:        20 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// StatusError reports a response other than 200 OK.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// transient reports whether another attempt may succeed.
func transient(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return code >= 500 && code != http.StatusNotImplemented
}

// Get fetches url and returns the response only when the server answers
// 200 OK; the caller owns the body. Any other final status becomes a
// *StatusError. Network failures and transient statuses are retried
// according to b, honouring Retry-After when the server sends one.
func Get(ctx context.Context, client *http.Client, url string, b Backoff) (*http.Response, error) {
	var lastErr error
	delay := b.Base

	for attempt := 0; attempt <= b.Retries; attempt++ {
		if attempt > 0 {
			wait := jitter(delay, b.Jitter)
			if se, ok := lastErr.(*retryAfterError); ok && se.after > 0 {
				wait = se.after
				lastErr = se.StatusError
			}
			log.Debug("retrying GET", "url", url, "attempt", attempt, "wait", wait, logging.KeyError, lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			delay = next(delay, b)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		resp.Body.Close()

		se := &StatusError{StatusCode: resp.StatusCode, URL: url}
		if !transient(resp.StatusCode) {
			return nil, se
		}
		lastErr = &retryAfterError{StatusError: se, after: retryAfter(resp.Header.Get("Retry-After"), b.Cap)}
	}

	if rae, ok := lastErr.(*retryAfterError); ok {
		lastErr = rae.StatusError
	}
	if b.Retries > 0 {
		log.Warn("giving up on GET", "url", url, "attempts", b.Retries+1, logging.KeyError, lastErr)
	}
	return nil, lastErr
}

type retryAfterError struct {
	*StatusError
	after time.Duration
}

// retryAfter parses a Retry-After header given in seconds, clamped to limit.
// HTTP-date values are ignored.
func retryAfter(v string, limit time.Duration) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

func next(d time.Duration, b Backoff) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	out := time.Duration(float64(d) * (1 + frac*(2*rand.Float64()-1)))
	if out < 0 {
		return 0
	}
	return out
}
