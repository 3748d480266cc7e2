package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the state of a recorded run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Run is the build record of one pipeline run.
type Run struct {
	ID            string
	Version       string
	Status        Status
	Stage         string
	PatchRevision string
	PatchHash     string
	CacheHit      bool
	CacheDir      string
	ErrorKind     string
	ErrorMessage  string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Duration returns how long the run took, or zero while it is pending.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

const runColumns = "id, version, status, stage, patch_revision, patch_hash, cache_hit, cache_dir, error_kind, error_message, started_at, finished_at"

// StartRun records a new pending run.
func (s *Store) StartRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" || run.Version == "" {
		return errors.New("history: run requires id and version")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = StatusPending
	_, err := s.exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Version,
		run.Status,
		nullableString(run.Stage),
		nullableString(run.PatchRevision),
		nullableString(run.PatchHash),
		run.CacheHit,
		nullableString(run.CacheDir),
		nil,
		nil,
		formatTime(run.StartedAt),
		nil,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun persists the mutable fields of a run.
func (s *Store) UpdateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("history: run is nil")
	}
	res, err := s.exec(ctx,
		`UPDATE runs
         SET status = ?, stage = ?, patch_revision = ?, patch_hash = ?, cache_hit = ?,
             cache_dir = ?, error_kind = ?, error_message = ?, finished_at = ?
         WHERE id = ?`,
		run.Status,
		nullableString(run.Stage),
		nullableString(run.PatchRevision),
		nullableString(run.PatchHash),
		run.CacheHit,
		nullableString(run.CacheDir),
		nullableString(run.ErrorKind),
		nullableString(run.ErrorMessage),
		formatTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update run: %s not found", run.ID)
	}
	return nil
}

// GetRun fetches a run by id. A missing run returns nil without error.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first, optionally filtered by version.
func (s *Store) ListRuns(ctx context.Context, version string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if version != "" {
		query += ` WHERE version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// MarkAbandoned fails every pending run, e.g. after a crash left them behind.
func (s *Store) MarkAbandoned(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE runs SET status = ?, error_kind = ?, error_message = ?, finished_at = ? WHERE status = ?`,
		StatusFailed, "abandoned", "run did not finish", formatTime(time.Now()), StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run           Run
		status        string
		stage         sql.NullString
		patchRevision sql.NullString
		patchHash     sql.NullString
		cacheDir      sql.NullString
		errorKind     sql.NullString
		errorMessage  sql.NullString
		startedRaw    sql.NullString
		finishedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&run.Version,
		&status,
		&stage,
		&patchRevision,
		&patchHash,
		&run.CacheHit,
		&cacheDir,
		&errorKind,
		&errorMessage,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.Stage = stage.String
	run.PatchRevision = patchRevision.String
	run.PatchHash = patchHash.String
	run.CacheDir = cacheDir.String
	run.ErrorKind = errorKind.String
	run.ErrorMessage = errorMessage.String
	run.StartedAt = parseTime(startedRaw)
	run.FinishedAt = parseTime(finishedRaw)
	return &run, nil
}
