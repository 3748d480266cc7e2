package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Resolution records what a version last resolved to.
type Resolution struct {
	Version       string
	PatchRevision string
	PatchHash     string
	ManifestURL   string
	ResolvedAt    time.Time
}

// RecordResolution stores or replaces the resolution of a version.
func (s *Store) RecordResolution(ctx context.Context, res Resolution) error {
	if res.Version == "" || res.PatchHash == "" {
		return errors.New("history: resolution requires version and patch hash")
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO resolutions (version, patch_revision, patch_hash, manifest_url, resolved_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(version) DO UPDATE SET
             patch_revision = excluded.patch_revision,
             patch_hash = excluded.patch_hash,
             manifest_url = excluded.manifest_url,
             resolved_at = excluded.resolved_at`,
		res.Version,
		res.PatchRevision,
		res.PatchHash,
		nullableString(res.ManifestURL),
		formatTime(res.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	return nil
}

// LastResolution returns the stored resolution of version, or nil.
func (s *Store) LastResolution(ctx context.Context, version string) (*Resolution, error) {
	var (
		res         Resolution
		manifestURL sql.NullString
		resolvedRaw sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, patch_revision, patch_hash, manifest_url, resolved_at FROM resolutions WHERE version = ?`,
		version,
	).Scan(&res.Version, &res.PatchRevision, &res.PatchHash, &manifestURL, &resolvedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last resolution: %w", err)
	}
	res.ManifestURL = manifestURL.String
	res.ResolvedAt = parseTime(resolvedRaw)
	return &res, nil
}

// ForgetResolution removes the stored resolution of version.
func (s *Store) ForgetResolution(ctx context.Context, version string) error {
	if _, err := s.exec(ctx, `DELETE FROM resolutions WHERE version = ?`, version); err != nil {
		return fmt.Errorf("forget resolution: %w", err)
	}
	return nil
}
