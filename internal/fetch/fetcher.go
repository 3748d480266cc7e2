package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"anvil/internal/config"
	"anvil/internal/digest"
	"anvil/internal/httpretry"
	"anvil/internal/logging"
	"anvil/internal/manifest"
	"anvil/internal/services"
)

const partSuffix = ".part"

// HTTPDoer describes the HTTP client used for downloads.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Verified is an artifact whose bytes on disk matched every declared digest.
type Verified struct {
	Ref      manifest.ArtifactRef
	Path     string
	Size     int64
	Sums     map[digest.Algorithm]string
	Reused   bool
	Attempts int
}

// Fetcher downloads and verifies artifacts.
type Fetcher struct {
	client         HTTPDoer
	concurrency    int
	policy         httpretry.Policy
	requestTimeout time.Duration
	userAgent      string
	logger         *slog.Logger
	sleep          func(context.Context, time.Duration) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client HTTPDoer) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithConcurrency bounds the number of simultaneous downloads.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithRetryPolicy sets the retry policy for transient failures.
func WithRetryPolicy(p httpretry.Policy) Option {
	return func(f *Fetcher) {
		f.policy = p.Normalize()
	}
}

// WithRequestTimeout bounds a single download attempt. Zero disables the limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.requestTimeout = d
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = strings.TrimSpace(ua)
	}
}

// WithLogger sets the fetcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logging.NewComponentLogger(logger, "fetch")
	}
}

// New constructs a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      &http.Client{},
		concurrency: 4,
		policy:      httpretry.DefaultPolicy(),
		logger:      logging.NewComponentLogger(nil, "fetch"),
		sleep:       httpretry.Sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewFromConfig builds a Fetcher from the [fetch] section.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) *Fetcher {
	return New(
		WithConcurrency(cfg.Fetch.Concurrency),
		WithRetryPolicy(httpretry.FromConfig(cfg.Fetch)),
		WithRequestTimeout(cfg.RequestTimeout()),
		WithUserAgent(cfg.Fetch.UserAgent),
		WithLogger(logger),
	)
}

// Fetch downloads every ref concurrently and returns them in input order once
// all are verified. The first definitive failure cancels the rest of the batch.
func (f *Fetcher) Fetch(ctx context.Context, refs []manifest.ArtifactRef) ([]Verified, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	seen := make(map[string]string, len(refs))
	for _, ref := range refs {
		if ref.LocalPath == "" {
			return nil, services.Wrap(services.ErrValidation, "fetching", ref.Name, "artifact has no local path", nil)
		}
		clean := filepath.Clean(ref.LocalPath)
		if other, dup := seen[clean]; dup {
			return nil, services.Wrap(services.ErrValidation, "fetching", ref.Name,
				fmt.Sprintf("local path %s already used by %s", clean, other), nil)
		}
		seen[clean] = ref.Name
	}

	results := make([]Verified, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			v, err := f.FetchOne(gctx, ref)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return results, nil
}

// FetchOne downloads and verifies a single artifact, reusing an existing file
// at LocalPath when it already verifies.
func (f *Fetcher) FetchOne(ctx context.Context, ref manifest.ArtifactRef) (Verified, error) {
	if err := ctx.Err(); err != nil {
		return Verified{}, err
	}
	if ref.LocalPath == "" {
		return Verified{}, services.Wrap(services.ErrValidation, "fetching", ref.Name, "artifact has no local path", nil)
	}
	if len(ref.Digests) == 0 {
		return Verified{}, services.Wrap(services.ErrValidation, "fetching", ref.Name, "artifact declares no digests", nil)
	}
	if err := os.MkdirAll(filepath.Dir(ref.LocalPath), 0o755); err != nil {
		return Verified{}, fmt.Errorf("fetch %s: ensure directory: %w", ref.Name, err)
	}
	logger := logging.WithContext(ctx, f.logger).With(logging.String(logging.FieldArtifact, ref.Name))

	verifier, err := digest.NewVerifier(ref.Digests)
	if err != nil {
		return Verified{}, services.Wrap(services.ErrValidation, "fetching", ref.Name, "digest declaration", err)
	}
	if algs := verifier.Algorithms(); legacyOnly(algs) {
		logging.WarnWithContext(logger, "artifact declares only legacy digests", "weak_digest",
			logging.Any("algorithms", algs),
			logging.String(logging.FieldImpact, "integrity rests on md5/sha1 alone"),
			logging.String(logging.FieldErrorHint, "publish a sha256 or stronger digest in the manifest"),
		)
	}

	if v, ok, err := f.reuse(ref, verifier, logger); err != nil {
		return Verified{}, err
	} else if ok {
		return v, nil
	}

	started := time.Now()
	mismatchSeen := false
	var last error
	for attempt := 1; attempt <= f.policy.Attempts; attempt++ {
		v, wait, err := f.attempt(ctx, ref, verifier)
		if err == nil {
			v.Attempts = attempt
			logger.InfoContext(ctx, "artifact verified",
				logging.Int64("size_bytes", v.Size),
				logging.Int("attempts", attempt),
				logging.Duration("elapsed", time.Since(started)),
			)
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Verified{}, ctxErr
		}

		var mismatch *DigestMismatchError
		if errors.As(err, &mismatch) {
			if mismatchSeen || attempt == f.policy.Attempts {
				logging.ErrorWithContext(logger, "artifact failed verification", "digest_mismatch",
					logging.String("algorithm", string(mismatch.Algorithm)),
					logging.String("expected", mismatch.Expected),
					logging.String("actual", mismatch.Actual),
					logging.String(logging.FieldErrorHint, "upstream bytes differ from the manifest; check the mirror or manifest"),
				)
				return Verified{}, err
			}
			mismatchSeen = true
			logging.WarnWithContext(logger, "digest mismatch; downloading again from scratch", "digest_mismatch",
				logging.String("algorithm", string(mismatch.Algorithm)),
				logging.String(logging.FieldImpact, "one additional download"),
			)
			continue
		}
		if !services.Retryable(err) {
			return Verified{}, err
		}
		last = err
		if attempt == f.policy.Attempts {
			break
		}
		delay := f.policy.Backoff(attempt, wait)
		logging.WarnWithContext(logger, "transient download failure; retrying", "fetch_retry",
			logging.Int("attempt", attempt),
			logging.Duration("backoff", delay),
			logging.Error(err),
			logging.String(logging.FieldImpact, "download delayed"),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return Verified{}, err
		}
	}
	return Verified{}, &FetchExhaustedError{Artifact: ref.Name, Attempts: f.policy.Attempts, Last: last}
}

// legacyOnly reports a declaration that has no digest strong enough to stand
// alone.
func legacyOnly(algs []digest.Algorithm) bool {
	for _, alg := range algs {
		if !alg.Legacy() {
			return false
		}
	}
	return len(algs) > 0
}

func (f *Fetcher) reuse(ref manifest.ArtifactRef, verifier *digest.Verifier, logger *slog.Logger) (Verified, bool, error) {
	file, err := os.Open(ref.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Verified{}, false, nil
		}
		return Verified{}, false, fmt.Errorf("fetch %s: open existing: %w", ref.Name, err)
	}
	defer file.Close()

	verifier.Reset()
	if _, err := io.Copy(verifier, file); err != nil {
		return Verified{}, false, fmt.Errorf("fetch %s: hash existing: %w", ref.Name, err)
	}
	if m := verifier.Check(); m != nil {
		logger.Info("existing artifact failed verification; downloading again",
			logging.String("algorithm", string(m.Algorithm)))
		if err := os.Remove(ref.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Verified{}, false, fmt.Errorf("fetch %s: remove stale file: %w", ref.Name, err)
		}
		return Verified{}, false, nil
	}
	logger.Debug("reusing verified artifact", logging.String("path", ref.LocalPath))
	return Verified{
		Ref:    ref,
		Path:   ref.LocalPath,
		Size:   verifier.Written(),
		Sums:   verifier.Sums(),
		Reused: true,
	}, true, nil
}

// attempt performs one download. The returned duration is a server-requested
// wait (Retry-After) that should precede the next attempt.
func (f *Fetcher) attempt(ctx context.Context, ref manifest.ArtifactRef, verifier *digest.Verifier) (Verified, time.Duration, error) {
	reqCtx := ctx
	if f.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return Verified{}, 0, services.Wrap(services.ErrValidation, "fetching", ref.Name, "build request", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Verified{}, 0, f.classify(ctx, reqCtx, ref, "request", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		msg := fmt.Sprintf("%s returned HTTP %d", ref.URL, resp.StatusCode)
		if httpretry.TransientStatus(resp.StatusCode) {
			return Verified{}, httpretry.RetryAfter(resp), services.Wrap(services.ErrTransient, "fetching", ref.Name, msg, nil)
		}
		return Verified{}, 0, services.Wrap(services.ErrNetwork, "fetching", ref.Name, msg, nil)
	}

	dl, err := openDownload(resp, ref, verifier)
	if err != nil {
		resp.Body.Close()
		return Verified{}, 0, err
	}
	v, err := dl.run()
	if err != nil {
		if errors.Is(err, errStream) {
			if classified := f.classify(ctx, reqCtx, ref, "stream body", err); !errors.Is(classified, services.ErrNetwork) {
				return Verified{}, 0, classified
			}
			return Verified{}, 0, services.Wrap(services.ErrTransient, "fetching", ref.Name, "stream body", err)
		}
		return Verified{}, 0, err
	}
	return v, 0, nil
}

func (f *Fetcher) classify(ctx, reqCtx context.Context, ref manifest.ArtifactRef, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "fetching", ref.Name, op+" timed out", err)
	}
	if httpretry.TransientTransport(err) {
		return services.Wrap(services.ErrTransient, "fetching", ref.Name, op, err)
	}
	return services.Wrap(services.ErrNetwork, "fetching", ref.Name, op, err)
}
