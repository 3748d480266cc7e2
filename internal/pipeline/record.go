package pipeline

import (
	"context"
	"time"

	"anvil/internal/history"
	"anvil/internal/logging"
	"anvil/internal/services"
)

// History writes are best effort: a broken database never fails a build.

func (c *Coordinator) startRecord(ctx context.Context, run *runState, start time.Time) {
	if c.deps.History == nil {
		return
	}
	record := &history.Run{ID: run.id, Version: run.version, StartedAt: start.UTC()}
	if err := c.deps.History.StartRun(ctx, record); err != nil {
		run.logger.Warn("failed to record run start", logging.Error(err))
		return
	}
	run.record = record
}

func (c *Coordinator) recordStage(ctx context.Context, run *runState, state State) {
	if c.deps.History == nil || run.record == nil {
		return
	}
	run.record.Stage = string(state)
	c.updateRecord(ctx, run)
}

func (c *Coordinator) finishRecord(ctx context.Context, run *runState, err error) {
	if c.deps.History == nil || run.record == nil {
		return
	}
	record := run.record
	record.PatchRevision = run.outcome.PatchRevision
	record.PatchHash = run.outcome.PatchHash
	record.CacheHit = run.outcome.CacheHit
	record.CacheDir = run.outcome.Entry.Dir
	record.FinishedAt = c.now().UTC()
	if err != nil {
		record.Status = history.StatusFailed
		if stage, ok := FailedStage(err); ok {
			record.Stage = string(stage)
		}
		record.ErrorKind = services.Kind(err)
		record.ErrorMessage = err.Error()
	} else {
		record.Status = history.StatusComplete
		record.Stage = string(StateDone)
	}
	// The caller's context may already be cancelled; the record still lands.
	c.updateRecord(context.WithoutCancel(ctx), run)
}

func (c *Coordinator) updateRecord(ctx context.Context, run *runState) {
	if err := c.deps.History.UpdateRun(ctx, run.record); err != nil {
		run.logger.Warn("failed to update run record", logging.Error(err))
	}
}
