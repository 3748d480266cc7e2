package fetch_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"anvil/internal/digest"
	"anvil/internal/fetch"
	"anvil/internal/httpretry"
	"anvil/internal/logging"
	"anvil/internal/manifest"
	"anvil/internal/services"
)

var (
	serverBytes  = []byte("server jar bytes, pretend this is large\n")
	mappingBytes = []byte("net/minecraft/A -> a\n")
)

func expected(t *testing.T, data []byte, algs ...digest.Algorithm) []digest.Expected {
	t.Helper()
	var out []digest.Expected
	for _, alg := range algs {
		h, err := alg.New()
		if err != nil {
			t.Fatal(err)
		}
		h.Write(data)
		out = append(out, digest.Expected{Algorithm: alg, Value: hex.EncodeToString(h.Sum(nil))})
	}
	return out
}

func fastPolicy(attempts int) httpretry.Policy {
	return httpretry.Policy{Attempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func ref(t *testing.T, dir, name, url string, data []byte) manifest.ArtifactRef {
	return manifest.ArtifactRef{
		Name:      name,
		Kind:      manifest.KindServer,
		URL:       url,
		Digests:   expected(t, data, digest.SHA256, digest.BLAKE3),
		LocalPath: filepath.Join(dir, name+".bin"),
	}
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.part"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no partial files, found %v", matches)
	}
}

func TestFetchDownloadsAndVerifiesBatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/server":
			_, _ = w.Write(serverBytes)
		case "/mapping":
			_, _ = w.Write(mappingBytes)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	refs := []manifest.ArtifactRef{
		ref(t, dir, "server", srv.URL+"/server", serverBytes),
		ref(t, dir, "mapping", srv.URL+"/mapping", mappingBytes),
	}
	f := fetch.New(fetch.WithRetryPolicy(fastPolicy(3)), fetch.WithConcurrency(2))

	got, err := f.Fetch(context.Background(), refs)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 || got[0].Ref.Name != "server" || got[1].Ref.Name != "mapping" {
		t.Fatalf("unexpected results %+v", got)
	}
	data, err := os.ReadFile(got[0].Path)
	if err != nil || string(data) != string(serverBytes) {
		t.Fatalf("unexpected server contents %q (%v)", data, err)
	}
	if got[0].Sums[digest.BLAKE3] != refs[0].Digests[1].Value {
		t.Fatalf("expected blake3 sum recorded, got %v", got[0].Sums)
	}
	assertNoPartials(t, dir)

	again, err := f.Fetch(context.Background(), refs)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if !again[0].Reused || !again[1].Reused {
		t.Fatalf("expected verified files to be reused, got %+v", again)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests in total, got %d", hits.Load())
	}
}

func TestFetchReplacesCorruptExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(serverBytes)
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := ref(t, dir, "server", srv.URL, serverBytes)
	corrupt := append([]byte(nil), serverBytes...)
	corrupt[0] ^= 0xff
	if err := os.WriteFile(r.LocalPath, corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := fetch.New(fetch.WithRetryPolicy(fastPolicy(2))).FetchOne(context.Background(), r)
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if v.Reused {
		t.Fatal("corrupt file must not be reused")
	}
	data, _ := os.ReadFile(r.LocalPath)
	if string(data) != string(serverBytes) {
		t.Fatalf("expected fresh bytes, got %q", data)
	}
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(serverBytes)
	}))
	defer srv.Close()

	dir := t.TempDir()
	v, err := fetch.New(fetch.WithRetryPolicy(fastPolicy(4))).FetchOne(context.Background(), ref(t, dir, "server", srv.URL, serverBytes))
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if v.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %d", v.Attempts)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := fetch.New(fetch.WithRetryPolicy(fastPolicy(3))).FetchOne(context.Background(), ref(t, dir, "server", srv.URL, serverBytes))
	var exhausted *fetch.FetchExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected FetchExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d (hits %d)", exhausted.Attempts, hits.Load())
	}
	if !errors.Is(err, services.ErrFetchExhausted) {
		t.Fatalf("expected ErrFetchExhausted marker, got %v", err)
	}
	assertNoPartials(t, dir)
}

func TestFetchClientErrorFailsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fetch.New(fetch.WithRetryPolicy(fastPolicy(5))).FetchOne(context.Background(), ref(t, t.TempDir(), "server", srv.URL, serverBytes))
	if !errors.Is(err, services.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single request, got %d", hits.Load())
	}
}

func TestFetchRefetchesOnceAfterMismatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			_, _ = w.Write([]byte("tampered"))
			return
		}
		_, _ = w.Write(serverBytes)
	}))
	defer srv.Close()

	v, err := fetch.New(fetch.WithRetryPolicy(fastPolicy(3))).FetchOne(context.Background(), ref(t, t.TempDir(), "server", srv.URL, serverBytes))
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if v.Attempts != 2 {
		t.Fatalf("expected success after one refetch, got attempts=%d", v.Attempts)
	}
}

func TestFetchSecondMismatchIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := ref(t, dir, "server", srv.URL, serverBytes)
	_, err := fetch.New(fetch.WithRetryPolicy(fastPolicy(5))).FetchOne(context.Background(), r)
	var mismatch *fetch.DigestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected DigestMismatchError, got %v", err)
	}
	if !errors.Is(err, services.ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch marker, got %v", err)
	}
	if mismatch.Artifact != "server" || mismatch.Expected == mismatch.Actual {
		t.Fatalf("unexpected mismatch detail %+v", mismatch)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly one refetch, got %d requests", hits.Load())
	}
	if _, err := os.Stat(r.LocalPath); !os.IsNotExist(err) {
		t.Fatalf("unverified bytes must not be published: %v", err)
	}
	assertNoPartials(t, dir)
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write(serverBytes)
	}))
	defer srv.Close()

	f := fetch.New(fetch.WithRetryPolicy(fastPolicy(3)), fetch.WithRequestTimeout(100*time.Millisecond))
	v, err := f.FetchOne(context.Background(), ref(t, t.TempDir(), "server", srv.URL, serverBytes))
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if v.Attempts != 2 {
		t.Fatalf("expected retry after timeout, got attempts=%d", v.Attempts)
	}
}

func TestFetchDefinitiveFailureCancelsBatchAndRemovesPartials(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			w.Header().Set("Content-Length", strconv.Itoa(len(serverBytes)*4))
			_, _ = w.Write(serverBytes)
			w.(http.Flusher).Flush()
			close(started)
			<-r.Context().Done()
		case "/missing":
			<-started
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	refs := []manifest.ArtifactRef{
		ref(t, dir, "slow", srv.URL+"/slow", serverBytes),
		ref(t, dir, "missing", srv.URL+"/missing", mappingBytes),
	}
	f := fetch.New(fetch.WithRetryPolicy(fastPolicy(2)), fetch.WithConcurrency(2))

	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background(), refs)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, services.ErrNetwork) {
			t.Fatalf("expected definitive ErrNetwork, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not cancel")
	}
	assertNoPartials(t, dir)
	if _, err := os.Stat(refs[0].LocalPath); !os.IsNotExist(err) {
		t.Fatalf("cancelled artifact must not be published: %v", err)
	}
}

func TestFetchCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fetch.New().Fetch(ctx, []manifest.ArtifactRef{ref(t, t.TempDir(), "server", srv.URL, serverBytes)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchRejectsDuplicateLocalPaths(t *testing.T) {
	dir := t.TempDir()
	a := ref(t, dir, "server", "http://127.0.0.1:1/a", serverBytes)
	b := a
	b.Name = "copy"
	_, err := fetch.New().Fetch(context.Background(), []manifest.ArtifactRef{a, b})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFetchWarnsWhenOnlyLegacyDigestsDeclared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(mappingBytes)
	}))
	defer srv.Close()

	cases := []struct {
		name string
		algs []digest.Algorithm
		warn bool
	}{
		{"legacy only", []digest.Algorithm{digest.SHA1, digest.MD5}, true},
		{"strong alongside legacy", []digest.Algorithm{digest.SHA1, digest.SHA256}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler, _ := logging.NewHandler(&buf, "json", slog.LevelDebug, false)
			r := ref(t, t.TempDir(), "mappings", srv.URL, mappingBytes)
			r.Digests = expected(t, mappingBytes, tc.algs...)

			f := fetch.New(fetch.WithRetryPolicy(fastPolicy(1)), fetch.WithLogger(slog.New(handler)))
			if _, err := f.FetchOne(context.Background(), r); err != nil {
				t.Fatalf("FetchOne: %v", err)
			}
			if got := strings.Contains(buf.String(), "weak_digest"); got != tc.warn {
				t.Fatalf("weak digest warning = %v, want %v\n%s", got, tc.warn, buf.String())
			}
		})
	}
}
