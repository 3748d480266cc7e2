package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"anvil/internal/config"
	"anvil/internal/httpretry"
	"anvil/internal/logging"
	"anvil/internal/services"
)

const maxManifestBytes = 8 << 20

// HTTPDoer describes the HTTP client used by the resolver.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver turns version tags into manifests fetched from one endpoint.
type Resolver struct {
	baseURL   *url.URL
	template  string
	userAgent string
	client    HTTPDoer
	policy    httpretry.Policy
	sleep     func(context.Context, time.Duration) error
	logger    *slog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client HTTPDoer) Option {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logging.NewComponentLogger(logger, "manifest")
	}
}

// WithRetryPolicy sets the retry policy for transient failures.
func WithRetryPolicy(p httpretry.Policy) Option {
	return func(r *Resolver) {
		r.policy = p.Normalize()
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(r *Resolver) {
		r.userAgent = strings.TrimSpace(ua)
	}
}

// NewResolver builds a resolver for baseURL. template must contain {version}.
func NewResolver(baseURL, template string, opts ...Option) (*Resolver, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("manifest: parse base url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("manifest: base url %q is not absolute", baseURL)
	}
	if !strings.Contains(template, "{version}") {
		return nil, errors.New("manifest: path template must contain {version}")
	}
	r := &Resolver{
		baseURL:  parsed,
		template: strings.TrimLeft(template, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
		policy:   httpretry.DefaultPolicy(),
		sleep:    httpretry.Sleep,
		logger:   logging.NewComponentLogger(nil, "manifest"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewFromConfig builds a resolver from the [manifest] and [fetch] sections.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Resolver, error) {
	return NewResolver(cfg.Manifest.BaseURL, cfg.Manifest.PathTemplate,
		WithHTTPClient(&http.Client{Timeout: cfg.ManifestTimeout()}),
		WithRetryPolicy(httpretry.FromConfig(cfg.Fetch)),
		WithUserAgent(cfg.Fetch.UserAgent),
		WithLogger(logger),
	)
}

// URL returns the manifest location for tag.
func (r *Resolver) URL(tag string) (*url.URL, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}
	rel, err := url.Parse(strings.ReplaceAll(r.template, "{version}", url.PathEscape(tag)))
	if err != nil {
		return nil, fmt.Errorf("build manifest path: %w", err)
	}
	return r.baseURL.ResolveReference(rel), nil
}

// Resolve fetches and validates the manifest for tag. Transport failures and
// transient statuses are retried under the resolver's policy; a missing
// manifest or an unparsable one fails at once.
func (r *Resolver) Resolve(ctx context.Context, tag string) (*Manifest, error) {
	target, err := r.URL(tag)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "resolving", "version tag", tag, err)
	}
	logger := logging.WithContext(ctx, r.logger).With(logging.String(logging.FieldVersion, tag))

	started := time.Now()
	var doc document
	for attempt := 1; ; attempt++ {
		var wait time.Duration
		var transient bool
		doc, wait, transient, err = r.get(ctx, target, tag)
		if err == nil {
			break
		}
		if !transient || attempt >= r.policy.Attempts {
			return nil, err
		}
		delay := r.policy.Backoff(attempt, wait)
		logging.WarnWithContext(logger, "manifest fetch failed; retrying", "manifest_retry",
			logging.Int("attempt", attempt),
			logging.Duration("backoff", delay),
			logging.Error(err),
			logging.String(logging.FieldImpact, "resolution delayed"),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	format := DetectFormat(doc.contentType, target.Path)
	m, err := Parse(doc.body, format, tag, target)
	if err != nil {
		return nil, services.Wrap(services.ErrManifestParseError, "resolving", "parse manifest", target.String(), err)
	}

	logger.DebugContext(ctx, "manifest resolved",
		logging.String("patch_revision", m.PatchRevision),
		logging.Int("artifact_count", len(m.Artifacts)),
		logging.String("format", string(format)),
		logging.Duration("elapsed", time.Since(started)),
	)
	return m, nil
}

type document struct {
	body        []byte
	contentType string
}

// get performs one request. It reports a server-requested wait and whether
// the failure is worth another attempt.
func (r *Resolver) get(ctx context.Context, target *url.URL, tag string) (document, time.Duration, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return document{}, 0, false, services.Wrap(services.ErrNetwork, "resolving", "build request", target.String(), err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.1")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return document{}, 0, false, ctx.Err()
		}
		return document{}, 0, httpretry.TransientTransport(err),
			services.Wrap(services.ErrNetwork, "resolving", "fetch manifest", target.String(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return document{}, 0, false, services.Wrap(services.ErrManifestNotFound, "resolving", "fetch manifest",
			fmt.Sprintf("no manifest for version %q (HTTP %d)", tag, resp.StatusCode), nil)
	case resp.StatusCode >= http.StatusBadRequest:
		return document{}, httpretry.RetryAfter(resp), httpretry.TransientStatus(resp.StatusCode),
			services.Wrap(services.ErrNetwork, "resolving", "fetch manifest",
				fmt.Sprintf("%s returned HTTP %d", target, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return document{}, 0, false, ctx.Err()
		}
		return document{}, 0, true, services.Wrap(services.ErrNetwork, "resolving", "read manifest", target.String(), err)
	}
	if len(body) > maxManifestBytes {
		return document{}, 0, false, services.Wrap(services.ErrManifestParseError, "resolving", "read manifest", "manifest exceeds size limit", nil)
	}
	return document{body: body, contentType: resp.Header.Get("Content-Type")}, 0, false, nil
}

func validateTag(tag string) error {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return errors.New("version tag is empty")
	}
	if trimmed != tag {
		return errors.New("version tag has surrounding whitespace")
	}
	if strings.ContainsAny(tag, "/\\") || tag == "." || tag == ".." {
		return fmt.Errorf("version tag %q contains path separators", tag)
	}
	return nil
}
