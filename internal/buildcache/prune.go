package buildcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"anvil/internal/logging"
)

// Stats describes current cache usage.
type Stats struct {
	Entries        int            `json:"entries"`
	TotalBytes     int64          `json:"total_bytes"`
	MaxBytes       int64          `json:"max_bytes"`
	FreeBytes      uint64         `json:"free_bytes"`
	TotalFSBytes   uint64         `json:"total_fs_bytes"`
	FreeRatio      float64        `json:"free_ratio"`
	EntrySummaries []EntrySummary `json:"entry_summaries"`
}

// EntrySummary surfaces human-friendly details about a cache entry so the
// CLI can show which builds are currently stored.
type EntrySummary struct {
	Directory     string    `json:"directory"`
	Version       string    `json:"version"`
	PatchHash     string    `json:"patch_hash"`
	SizeBytes     int64     `json:"size_bytes"`
	ModifiedAt    time.Time `json:"modified_at"`
	ArtifactCount int       `json:"artifact_count"`
	Complete      bool      `json:"complete"`
}

// Prune removes entries based on size and free-space thresholds.
func (m *Manager) Prune(ctx context.Context) error {
	return m.prune(ctx, "")
}

// Stats returns current cache usage and filesystem free-space info. Entry
// summaries are ordered newest first.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	entries, totalSize, err := m.scan()
	if err != nil {
		return s, err
	}
	totalFS, freeFS, err := m.statfs(m.root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return s, fmt.Errorf("buildcache: statfs: %w", err)
	}
	ratio := 1.0
	if totalFS > 0 {
		ratio = float64(freeFS) / float64(totalFS)
	}
	s = Stats{
		Entries:        len(entries),
		TotalBytes:     totalSize,
		MaxBytes:       m.maxBytes,
		FreeBytes:      freeFS,
		TotalFSBytes:   totalFS,
		FreeRatio:      ratio,
		EntrySummaries: summaries(entries),
	}
	if len(entries) == 0 {
		m.logger.InfoContext(ctx, "build cache empty")
	}
	return s, nil
}

// List returns summaries of every entry, newest first.
func (m *Manager) List() ([]EntrySummary, error) {
	entries, _, err := m.scan()
	if err != nil {
		return nil, err
	}
	return summaries(entries), nil
}

func summaries(entries []cacheEntry) []EntrySummary {
	details := make([]EntrySummary, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		summary := EntrySummary{
			Directory:  entry.path,
			SizeBytes:  entry.sizeBytes,
			ModifiedAt: entry.modTime,
		}
		if entry.entry != nil {
			summary.Version = entry.entry.BuildTag
			summary.PatchHash = entry.entry.PatchHash
			summary.ArtifactCount = len(entry.entry.Artifacts)
			summary.Complete = entry.entry.Status == StatusComplete
		}
		details = append(details, summary)
	}
	return details
}

// prune removes oldest cache entries until both size and free-space thresholds are satisfied.
// keepPath is never removed; if it alone breaks the limits an error is returned.
func (m *Manager) prune(ctx context.Context, keepPath string) error {
	entries, totalSize, err := m.scan()
	if err != nil {
		return err
	}

	for len(entries) > 0 {
		freeOK, err := m.freeSpaceOK()
		if err != nil {
			return err
		}
		if (m.maxBytes <= 0 || totalSize <= m.maxBytes) && freeOK {
			return nil
		}
		oldest := entries[0]
		if samePath(oldest.path, keepPath) && len(entries) == 1 {
			return fmt.Errorf("buildcache: cache over limits and active entry %q cannot be pruned", keepPath)
		}
		if samePath(oldest.path, keepPath) {
			entries = entries[1:]
			continue
		}
		if name := filepath.Base(oldest.path); m.isReserved(name) {
			entries = entries[1:]
			continue
		}
		if err := os.RemoveAll(oldest.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("buildcache: remove %q: %w", oldest.path, err)
		}
		m.logger.InfoContext(ctx, "pruned build cache entry",
			logging.String("cache_dir", oldest.path),
			logging.Int64("entry_size_bytes", oldest.sizeBytes),
		)
		totalSize -= oldest.sizeBytes
		entries = entries[1:]
	}
	return nil
}

func (m *Manager) isReserved(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reserved[name]
	return ok
}

type cacheEntry struct {
	path      string
	sizeBytes int64
	modTime   time.Time
	entry     *Entry
}

// scan lists entry directories oldest first. Hidden staging, trash and lock
// directories are skipped.
func (m *Manager) scan() ([]cacheEntry, int64, error) {
	entries := make([]cacheEntry, 0)
	var total int64
	rootEntries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, 0, nil
		}
		return nil, 0, fmt.Errorf("buildcache: list root: %w", err)
	}
	for _, dirEntry := range rootEntries {
		if !dirEntry.IsDir() || strings.HasPrefix(dirEntry.Name(), ".") {
			continue
		}
		path := filepath.Join(m.root, dirEntry.Name())
		size, err := dirSize(path)
		if err != nil {
			m.logger.Warn("buildcache: skip entry; excluded from stats and pruning",
				logging.String("cache_dir", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "cache_entry_skipped"),
				logging.String(logging.FieldErrorHint, "inspect cache directory permissions or remove the corrupted entry"),
			)
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}
		record := cacheEntry{path: path, sizeBytes: size, modTime: info.ModTime()}
		if entry, ok, err := readEntry(path); err == nil && ok {
			record.entry = &entry
		}
		total += size
		entries = append(entries, record)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})
	return entries, total, nil
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func (m *Manager) freeSpaceOK() (bool, error) {
	total, free, err := m.statfs(m.root)
	if err != nil {
		return false, fmt.Errorf("buildcache: statfs: %w", err)
	}
	if total == 0 {
		return true, nil
	}
	ratio := float64(free) / float64(total)
	return ratio >= freeSpaceFloor, nil
}

func samePath(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA == nil {
		a = ra
	}
	if errB == nil {
		b = rb
	}
	return a == b
}
