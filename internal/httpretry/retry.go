// Package httpretry holds the backoff policy and failure classification
// shared by the manifest resolver and the artifact fetcher.
package httpretry

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"anvil/internal/config"
)

// Policy bounds how often and how patiently a transient failure is retried.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{Attempts: 4, Initial: 500 * time.Millisecond, Max: 15 * time.Second, Multiplier: 2}
}

// FromConfig reads the policy from the [fetch] section.
func FromConfig(f config.Fetch) Policy {
	return Policy{
		Attempts:   f.RetryAttempts,
		Initial:    time.Duration(f.BackoffInitialMillis) * time.Millisecond,
		Max:        time.Duration(f.BackoffMaxMillis) * time.Millisecond,
		Multiplier: f.BackoffMultiplier,
	}.Normalize()
}

// Normalize guarantees at least one attempt.
func (p Policy) Normalize() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	return p
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(n-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Backoff is Delay(n) stretched to a server-requested wait, never past Max.
func (p Policy) Backoff(n int, requested time.Duration) time.Duration {
	delay := p.Delay(n)
	if requested > delay {
		delay = requested
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
	return delay
}

// Sleep blocks for d, returning early if the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TransientStatus reports HTTP statuses worth retrying.
func TransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// TransientTransport reports transport errors worth retrying.
func TransientTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, token := range []string{
		"timeout",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"temporary failure",
		"awaiting headers",
	} {
		if strings.Contains(message, token) {
			return true
		}
	}
	return false
}

// RetryAfter parses a Retry-After header given in seconds.
func RetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
