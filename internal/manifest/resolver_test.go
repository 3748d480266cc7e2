package manifest_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"anvil/internal/httpretry"
	"anvil/internal/manifest"
	"anvil/internal/services"
	"anvil/internal/testsupport"
)

const sha256Empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
const sha1Empty = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

const jsonManifest = `{
  // comments are tolerated
  "version": "1.0.0-demo",
  "patch_revision": "9f2c41",
  "mapping": "mappings",
  "artifacts": [
    {"name": "server", "kind": "server", "url": "files/server.jar",
     "digests": [{"algorithm": "sha256", "value": "` + sha256Empty + `"}]},
    {"name": "mappings", "kind": "mapping", "url": "https://mirror.example.com/maps.txt",
     "algorithm": "sha1", "digest": "` + sha1Empty + `",
     "digests": [{"algorithm": "SHA-256", "value": "` + sha256Empty + `"}]},
  ]
}`

const yamlManifest = `version: 1.0.0-demo
patch_revision: 9f2c41
artifacts:
  - name: server
    kind: server
    url: https://mirror.example.com/server.jar
    digest: ` + sha256Empty + `
`

func fastPolicy(attempts int) httpretry.Policy {
	return httpretry.Policy{Attempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveJSONManifest(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/versions/1.0.0-demo.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(jsonManifest))
	})

	resolver, err := manifest.NewResolver(srv.URL+"/versions", "{version}.json")
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	m, err := resolver.Resolve(context.Background(), "1.0.0-demo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.PatchRevision != "9f2c41" {
		t.Fatalf("unexpected patch revision %q", m.PatchRevision)
	}
	server, ok := m.Server()
	if !ok {
		t.Fatal("expected server artifact")
	}
	if server.URL != srv.URL+"/versions/files/server.jar" {
		t.Fatalf("relative url not resolved: %q", server.URL)
	}
	if server.FileName() != "server.jar" {
		t.Fatalf("unexpected file name %q", server.FileName())
	}
	mapping, ok := m.MappingArtifact()
	if !ok || mapping.Name != "mappings" {
		t.Fatalf("unexpected mapping artifact %+v", mapping)
	}
	if len(mapping.Digests) != 2 {
		t.Fatalf("expected merged digests, got %+v", mapping.Digests)
	}
}

func TestResolveYAMLManifest(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte(yamlManifest))
	})
	resolver, err := manifest.NewResolver(srv.URL, "{version}")
	if err != nil {
		t.Fatal(err)
	}
	m, err := resolver.Resolve(context.Background(), "1.0.0-demo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(m.Artifacts) != 1 || m.Artifacts[0].Digests[0].Value != sha256Empty {
		t.Fatalf("unexpected artifacts %+v", m.Artifacts)
	}
}

func TestResolveNotFound(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone} {
		var hits atomic.Int32
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(status)
		})
		resolver, _ := manifest.NewResolver(srv.URL, "{version}.json", manifest.WithRetryPolicy(fastPolicy(4)))
		_, err := resolver.Resolve(context.Background(), "9.9.9")
		if !errors.Is(err, services.ErrManifestNotFound) {
			t.Fatalf("HTTP %d: expected ErrManifestNotFound, got %v", status, err)
		}
		if hits.Load() != 1 {
			t.Fatalf("HTTP %d: requests = %d, want 1", status, hits.Load())
		}
	}
}

func TestResolveRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte(yamlManifest))
	})
	resolver, _ := manifest.NewResolver(srv.URL, "{version}", manifest.WithRetryPolicy(fastPolicy(3)))
	m, err := resolver.Resolve(context.Background(), "1.0.0-demo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("requests = %d, want 2", hits.Load())
	}
	if m.Version != "1.0.0-demo" || len(m.Artifacts) != 1 {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestResolveParseErrors(t *testing.T) {
	tests := map[string]string{
		"malformed":        `{"version": `,
		"missing revision": `{"version": "1.0.0-demo", "artifacts": [{"name": "s", "kind": "server", "url": "https://x/s.jar", "digest": "` + sha256Empty + `"}]}`,
		"version mismatch": `{"version": "2.0.0", "patch_revision": "a", "artifacts": [{"name": "s", "kind": "server", "url": "https://x/s.jar", "digest": "` + sha256Empty + `"}]}`,
		"no digests":       `{"version": "1.0.0-demo", "patch_revision": "a", "artifacts": [{"name": "s", "kind": "server", "url": "https://x/s.jar"}]}`,
		"bad digest":       `{"version": "1.0.0-demo", "patch_revision": "a", "artifacts": [{"name": "s", "kind": "server", "url": "https://x/s.jar", "digest": "abc"}]}`,
		"no server":        `{"version": "1.0.0-demo", "patch_revision": "a", "artifacts": [{"name": "m", "kind": "mapping", "url": "https://x/m", "digest": "` + sha256Empty + `"}]}`,
		"unknown mapping":  `{"version": "1.0.0-demo", "patch_revision": "a", "mapping": "nope", "artifacts": [{"name": "s", "kind": "server", "url": "https://x/s.jar", "digest": "` + sha256Empty + `"}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			resolver, _ := manifest.NewResolver(srv.URL, "{version}.json")
			_, err := resolver.Resolve(context.Background(), "1.0.0-demo")
			if !errors.Is(err, services.ErrManifestParseError) {
				t.Fatalf("expected ErrManifestParseError, got %v", err)
			}
		})
	}
}

func TestResolveNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	resolver, _ := manifest.NewResolver(url, "{version}.json", manifest.WithRetryPolicy(fastPolicy(2)))
	_, err := resolver.Resolve(context.Background(), "1.0.0")
	if !errors.Is(err, services.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestResolveServerErrorIsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	resolver, _ := manifest.NewResolver(srv.URL, "{version}.json", manifest.WithRetryPolicy(fastPolicy(3)))
	_, err := resolver.Resolve(context.Background(), "1.0.0")
	if !errors.Is(err, services.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("requests = %d, want every attempt", hits.Load())
	}
}

func TestResolveClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})
	resolver, _ := manifest.NewResolver(srv.URL, "{version}.json", manifest.WithRetryPolicy(fastPolicy(3)))
	if _, err := resolver.Resolve(context.Background(), "1.0.0"); !errors.Is(err, services.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("requests = %d, want 1", hits.Load())
	}
}

func TestResolveRejectsPathTraversalTags(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	resolver, _ := manifest.NewResolver(srv.URL, "{version}.json")
	for _, tag := range []string{"", "../etc", "a/b", " 1.0"} {
		if _, err := resolver.Resolve(context.Background(), tag); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("tag %q: expected ErrValidation, got %v", tag, err)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no requests, got %d", hits.Load())
	}
}

func TestDetectFormat(t *testing.T) {
	if manifest.DetectFormat("text/plain", "/v/1.yml?x=1") != manifest.FormatYAML {
		t.Fatal("expected yaml from path")
	}
	if manifest.DetectFormat("application/x-yaml", "/v/1") != manifest.FormatYAML {
		t.Fatal("expected yaml from content type")
	}
	if manifest.DetectFormat("", "/v/1.json") != manifest.FormatJSON {
		t.Fatal("expected json default")
	}
	if !strings.Contains(string(manifest.FormatJSON), "json") {
		t.Fatal("unexpected format label")
	}
}

func TestNewFromConfigUsesConfiguredEndpoint(t *testing.T) {
	var agent atomic.Value
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		if r.URL.Path != "/versions/1.0.0-demo.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(jsonManifest))
	})
	cfg := testsupport.NewConfig(t, testsupport.WithManifestURL(srv.URL+"/versions"))

	resolver, err := manifest.NewFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	m, err := resolver.Resolve(context.Background(), "1.0.0-demo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Version != "1.0.0-demo" || len(m.Artifacts) != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if got, _ := agent.Load().(string); got != cfg.Fetch.UserAgent {
		t.Fatalf("user agent = %q, want %q", got, cfg.Fetch.UserAgent)
	}
}
