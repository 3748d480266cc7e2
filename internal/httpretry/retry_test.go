package httpretry_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"anvil/internal/config"
	"anvil/internal/httpretry"
)

func TestPolicyDelay(t *testing.T) {
	p := httpretry.Policy{Attempts: 5, Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 3}
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffHonorsRequestedWaitUpToMax(t *testing.T) {
	p := httpretry.Policy{Attempts: 3, Initial: 10 * time.Millisecond, Max: time.Second, Multiplier: 2}
	if got := p.Backoff(1, 0); got != 10*time.Millisecond {
		t.Fatalf("Backoff without request = %s", got)
	}
	if got := p.Backoff(1, 200*time.Millisecond); got != 200*time.Millisecond {
		t.Fatalf("Backoff with request = %s", got)
	}
	if got := p.Backoff(1, time.Minute); got != time.Second {
		t.Fatalf("Backoff over max = %s", got)
	}
}

func TestFromConfig(t *testing.T) {
	p := httpretry.FromConfig(config.Fetch{BackoffInitialMillis: 250, BackoffMaxMillis: 4000, BackoffMultiplier: 1.5})
	want := httpretry.Policy{Attempts: 1, Initial: 250 * time.Millisecond, Max: 4 * time.Second, Multiplier: 1.5}
	if p != want {
		t.Fatalf("FromConfig = %+v, want %+v", p, want)
	}
}

func TestTransientStatus(t *testing.T) {
	for code, want := range map[int]bool{
		http.StatusOK:                  false,
		http.StatusNotFound:            false,
		http.StatusGone:                false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusServiceUnavailable:  true,
		http.StatusInternalServerError: true,
	} {
		if got := httpretry.TransientStatus(code); got != want {
			t.Errorf("TransientStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestTransientTransport(t *testing.T) {
	if httpretry.TransientTransport(nil) {
		t.Fatal("nil error is not transient")
	}
	if !httpretry.TransientTransport(fmt.Errorf("dial: %w", context.DeadlineExceeded)) {
		t.Fatal("deadline should be transient")
	}
	if !httpretry.TransientTransport(errors.New("read tcp: connection reset by peer")) {
		t.Fatal("connection reset should be transient")
	}
	if httpretry.TransientTransport(errors.New("unsupported protocol scheme")) {
		t.Fatal("bad scheme is not transient")
	}
}

func TestRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if got := httpretry.RetryAfter(resp); got != 0 {
		t.Fatalf("missing header = %s", got)
	}
	resp.Header.Set("Retry-After", "3")
	if got := httpretry.RetryAfter(resp); got != 3*time.Second {
		t.Fatalf("RetryAfter = %s", got)
	}
	resp.Header.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	if got := httpretry.RetryAfter(resp); got != 0 {
		t.Fatalf("date form = %s, want 0", got)
	}
	if httpretry.RetryAfter(nil) != 0 {
		t.Fatal("nil response")
	}
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := httpretry.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep = %v, want context.Canceled", err)
	}
}
