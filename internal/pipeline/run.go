package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"anvil/internal/buildcache"
	"anvil/internal/history"
	"anvil/internal/logging"
	"anvil/internal/services"
)

// runState carries everything one Build call accumulates.
type runState struct {
	id          string
	version     string
	logger      *slog.Logger
	log         *syncBuffer
	tracker     *tracker
	record      *history.Run
	outcome     *Outcome
	key         buildcache.Key
	diagnostics []string
}

// syncBuffer is the capture target of the per-run build log.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (r *runState) buildLog() []byte {
	out := r.log.Bytes()
	if len(r.diagnostics) > 0 {
		out = append(out, "\n# toolchain output\n"...)
		for _, line := range r.diagnostics {
			out = append(out, line...)
			out = append(out, '\n')
		}
	}
	return out
}

// Build runs the pipeline for req.Version and returns the cached artifact.
func (c *Coordinator) Build(ctx context.Context, req Request) (*Outcome, error) {
	version := strings.TrimSpace(req.Version)
	if version == "" {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "build", "version required", nil)
	}
	start := c.now()
	runID := uuid.NewString()
	ctx = services.WithRunID(services.WithVersion(ctx, version), runID)

	capture := &syncBuffer{}
	handler, err := logging.NewHandler(capture, "json", slog.LevelDebug, false)
	if err != nil {
		return nil, err
	}
	run := &runState{
		id:      runID,
		version: version,
		logger:  logging.WithContext(ctx, logging.TeeLogger(c.logger, handler)),
		log:     capture,
		tracker: newTracker(runID, version, len(c.cfg.Patches.Layers), c.observers, c.now),
		outcome: &Outcome{RunID: runID, Version: version},
	}
	c.startRecord(ctx, run, start)
	run.logger.Info("build started",
		logging.String(logging.FieldEventType, "build_start"),
		logging.Bool("refresh", req.Refresh),
	)

	err = c.build(ctx, run, req)
	run.outcome.Duration = c.now().Sub(start)
	if err != nil {
		run.tracker.fail(ctx, err)
		stage, _ := FailedStage(err)
		logging.ErrorWithContext(run.logger, "build failed", "build_failed",
			logging.String(logging.FieldStage, string(stage)),
			logging.String("error_kind", services.Kind(err)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, failureHint(err)),
		)
		c.finishRecord(ctx, run, err)
		return nil, err
	}
	if err := run.tracker.advance(ctx, StateDone, ""); err != nil {
		return nil, err
	}
	run.logger.Info("build complete",
		logging.String(logging.FieldEventType, "build_complete"),
		logging.Bool("cache_hit", run.outcome.CacheHit),
		logging.Bool("offline", run.outcome.Offline),
		logging.Int("reruns", run.outcome.Reruns),
		logging.String("entry", run.outcome.Entry.Dir),
		logging.Duration("duration", run.outcome.Duration),
	)
	c.finishRecord(ctx, run, nil)
	return run.outcome, nil
}

func (c *Coordinator) build(ctx context.Context, run *runState, req Request) error {
	if !req.Refresh && c.offlineHit(ctx, run) {
		return nil
	}
	for {
		err := c.runOnce(ctx, run)
		if err == nil {
			return nil
		}
		if !errors.Is(err, services.ErrCacheCorruption) || run.outcome.Reruns >= c.cfg.Cache.MaxReruns || run.key.PatchHash == "" {
			return err
		}
		logging.WarnWithContext(run.logger, "stored build failed verification; rebuilding", "cache_rerun",
			logging.String("key", run.key.String()),
			logging.Int("rerun", run.outcome.Reruns+1),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the build runs again from resolution"),
		)
		run.outcome.Reruns++
		run.tracker.restart()
	}
}

// offlineHit answers the build from the recorded resolution and the cache,
// without any network access.
func (c *Coordinator) offlineHit(ctx context.Context, run *runState) bool {
	if c.deps.History == nil {
		return false
	}
	res, err := c.deps.History.LastResolution(ctx, run.version)
	if err != nil {
		run.logger.Warn("history lookup failed; resolving online", logging.Error(err))
		return false
	}
	if res == nil {
		return false
	}
	key := buildcache.Key{Version: run.version, PatchHash: res.PatchHash}
	entry, ok, err := c.deps.Cache.Lookup(key)
	if err != nil {
		run.logger.Warn("cached build unreadable; resolving online",
			logging.String("key", key.String()),
			logging.Error(err),
		)
		return false
	}
	if !ok {
		return false
	}
	run.key = key
	run.outcome.PatchRevision = res.PatchRevision
	run.outcome.PatchHash = res.PatchHash
	run.outcome.Entry = entry
	run.outcome.CacheHit = true
	run.outcome.Offline = true
	run.logger.Info("cache hit from recorded resolution",
		logging.String(logging.FieldEventType, "cache_hit"),
		logging.String("key", key.String()),
		logging.String("patch_revision", res.PatchRevision),
	)
	return true
}

// enter advances the state machine and records the stage.
func (c *Coordinator) enter(ctx context.Context, run *runState, state State, layer string) error {
	if err := run.tracker.advance(ctx, state, layer); err != nil {
		return err
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String(logging.FieldStage, string(state)),
	}
	if layer != "" {
		attrs = append(attrs, logging.String(logging.FieldLayer, layer))
	}
	if run.tracker.attempt > 0 {
		attrs = append(attrs, logging.Int("attempt", run.tracker.attempt))
	}
	run.logger.Info("stage started", logging.Args(attrs...)...)
	c.recordStage(ctx, run, state)
	return nil
}

func stageFailure(stage State, layer string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Stage: stage, Layer: layer, Err: err}
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrManifestNotFound):
		return "check the version tag and manifest.base_url"
	case errors.Is(err, services.ErrDigestMismatch):
		return "the upstream artifact changed or was tampered with; do not trust it"
	case errors.Is(err, services.ErrFetchExhausted), errors.Is(err, services.ErrNetwork):
		return "check network connectivity and retry"
	case errors.Is(err, services.ErrPatchConflict):
		return "rebase the conflicting patches against the current upstream source"
	case errors.Is(err, services.ErrCompileFailed):
		return "inspect the toolchain output in the build log"
	case errors.Is(err, services.ErrTreeCorrupted):
		return "remove the working tree directory and rebuild"
	case errors.Is(err, services.ErrCacheCorruption):
		return "run `anvil cache invalidate` for this version"
	case errors.Is(err, context.Canceled):
		return "build was cancelled"
	default:
		return "check logs for details"
	}
}
