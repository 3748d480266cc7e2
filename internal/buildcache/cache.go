package buildcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"anvil/internal/config"
	"anvil/internal/digest"
	"anvil/internal/fileutil"
	"anvil/internal/logging"
	"anvil/internal/services"
)

// ErrBusy reports a key currently reserved by another build.
var ErrBusy = errors.New("buildcache: key reserved by another build")

const (
	// freeSpaceFloor is the minimum free-space ratio we allow before pruning (e.g., 0.20 => 80% full).
	freeSpaceFloor = 0.20

	locksDir      = ".locks"
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Manager owns the cache directory.
type Manager struct {
	root     string
	maxBytes int64
	logger   *slog.Logger
	statfs   statfsFunc
	now      func() time.Time

	mu       sync.Mutex
	reserved map[string]struct{}
}

// New builds a cache manager rooted at root. maxGiB <= 0 disables the size
// budget; the free-space floor always applies.
func New(root string, maxGiB int, logger *slog.Logger) *Manager {
	var maxBytes int64
	if maxGiB > 0 {
		maxBytes = int64(maxGiB) * 1024 * 1024 * 1024
	}
	return &Manager{
		root:     root,
		maxBytes: maxBytes,
		logger:   logging.NewComponentLogger(logger, "buildcache"),
		statfs:   realStatfs,
		now:      time.Now,
		reserved: make(map[string]struct{}),
	}
}

// NewFromConfig builds the manager from configuration.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) *Manager {
	return New(cfg.Paths.CacheDir, cfg.Cache.MaxGiB, logger)
}

// Root returns the cache directory.
func (m *Manager) Root() string { return m.root }

// Path returns the entry directory for key.
func (m *Manager) Path(key Key) string {
	return filepath.Join(m.root, key.dirName())
}

// Lookup returns the complete entry for key. A record whose key differs
// from the request (a directory name collision) or whose artifacts are
// missing is reported as corruption.
func (m *Manager) Lookup(key Key) (Entry, bool, error) {
	if err := key.validate(); err != nil {
		return Entry{}, false, err
	}
	dir := m.Path(key)
	entry, ok, err := readEntry(dir)
	if err != nil {
		return Entry{}, false, services.Wrap(services.ErrCacheCorruption, "cache", "lookup "+key.String(), "", err)
	}
	if !ok || entry.Status != StatusComplete {
		return Entry{}, false, nil
	}
	if entry.Key != key {
		return Entry{}, false, services.Wrap(services.ErrCacheCorruption, "cache", "lookup "+key.String(),
			fmt.Sprintf("entry records %s/%s", entry.BuildTag, entry.PatchHash), nil)
	}
	for _, a := range entry.Artifacts {
		if _, err := os.Stat(entry.ArtifactPath(a.Name)); err != nil {
			return Entry{}, false, services.Wrap(services.ErrCacheCorruption, "cache", "lookup "+key.String(), "artifact "+a.Name+" missing", err)
		}
	}
	now := m.now()
	_ = os.Chtimes(dir, now, now)
	return entry, true, nil
}

// Reservation is exclusive write ownership of one key.
type Reservation struct {
	Key  Key
	m    *Manager
	lock *flock.Flock
	once sync.Once
}

// Release gives up the reservation. It is safe to call more than once.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		_ = r.lock.Unlock()
		r.m.mu.Lock()
		delete(r.m.reserved, r.Key.dirName())
		r.m.mu.Unlock()
	})
}

// Reserve claims key for writing or returns ErrBusy.
func (m *Manager) Reserve(key Key) (*Reservation, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	name := key.dirName()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.reserved[name]; busy {
		return nil, ErrBusy
	}
	if err := os.MkdirAll(filepath.Join(m.root, locksDir), 0o755); err != nil {
		return nil, fmt.Errorf("buildcache: ensure lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(m.root, locksDir, name+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("buildcache: lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	m.reserved[name] = struct{}{}
	return &Reservation{Key: key, m: m, lock: lock}, nil
}

// Acquire waits until key can be reserved, polling every poll interval.
func (m *Manager) Acquire(ctx context.Context, key Key, poll time.Duration) (*Reservation, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	for {
		res, err := m.Reserve(key)
		if !errors.Is(err, ErrBusy) {
			return res, err
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// CommitRequest carries the outputs of a successful build.
type CommitRequest struct {
	// Artifacts are paths of files to store; their base names become the
	// stored names.
	Artifacts []string
	Sources   map[string]string
	RunID     string
	Log       []byte
}

// Commit stores the build under the reservation's key. An existing entry
// with identical content is kept; one with different content is replaced
// atomically.
func (m *Manager) Commit(ctx context.Context, res *Reservation, req CommitRequest) (Entry, error) {
	if res == nil || res.m != m {
		return Entry{}, errors.New("buildcache: commit requires a reservation from this cache")
	}
	if len(req.Artifacts) == 0 {
		return Entry{}, errors.New("buildcache: commit requires at least one artifact")
	}
	key := res.Key
	staging := filepath.Join(m.root, stagingPrefix+key.dirName()+"-"+uuid.NewString()[:8])
	if err := os.MkdirAll(filepath.Join(staging, artifactsDir), 0o755); err != nil {
		return Entry{}, fmt.Errorf("buildcache: create staging: %w", err)
	}
	defer os.RemoveAll(staging)

	entry := Entry{
		Key:       key,
		BuildTag:  key.Version,
		PatchHash: key.PatchHash,
		Status:    StatusComplete,
		CreatedAt: m.now().UTC(),
		RunID:     req.RunID,
		Sources:   req.Sources,
	}
	seen := make(map[string]struct{}, len(req.Artifacts))
	for _, src := range req.Artifacts {
		name := filepath.Base(src)
		if _, dup := seen[name]; dup {
			return Entry{}, fmt.Errorf("buildcache: duplicate artifact name %q", name)
		}
		seen[name] = struct{}{}
		sum, err := fileutil.CopyFileVerified(src, filepath.Join(staging, artifactsDir, name))
		if err != nil {
			return Entry{}, fmt.Errorf("buildcache: store artifact %s: %w", name, err)
		}
		info, err := os.Stat(src)
		if err != nil {
			return Entry{}, fmt.Errorf("buildcache: stat artifact %s: %w", name, err)
		}
		entry.Artifacts = append(entry.Artifacts, Artifact{Name: name, SHA256: sum, Size: info.Size()})
	}
	entry.ContentHash = contentHash(entry.Artifacts)
	if err := writeLog(filepath.Join(staging, logFileName), req.Log); err != nil {
		return Entry{}, err
	}
	if err := writeEntry(staging, entry); err != nil {
		return Entry{}, err
	}

	final := m.Path(key)
	existing, ok, err := readEntry(final)
	switch {
	case err != nil:
		m.logger.WarnContext(ctx, "replacing unreadable cache entry",
			logging.String("cache_dir", final),
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_entry_unreadable"),
			logging.String(logging.FieldErrorHint, "entry is rebuilt from this run"),
		)
		fallthrough
	case ok && existing.ContentHash != entry.ContentHash:
		if err := replace(staging, final); err != nil {
			return Entry{}, fmt.Errorf("buildcache: replace %s: %w", key, err)
		}
	case ok:
		m.logger.InfoContext(ctx, "cache entry already holds identical content",
			logging.String("cache_dir", final),
			logging.String("key", key.String()),
		)
		now := m.now()
		_ = os.Chtimes(final, now, now)
		return existing, nil
	default:
		if err := removeIncomplete(final); err != nil {
			return Entry{}, err
		}
		if err := os.Rename(staging, final); err != nil {
			return Entry{}, fmt.Errorf("buildcache: publish %s: %w", key, err)
		}
	}
	entry.Dir = final
	m.logger.InfoContext(ctx, "stored build cache entry",
		logging.String("cache_dir", final),
		logging.String("key", key.String()),
		logging.Int("artifacts", len(entry.Artifacts)),
	)
	if err := m.prune(ctx, final); err != nil {
		logging.WarnWithContext(m.logger, "cache prune after commit failed", "cache_prune_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "cache may exceed its size budget"),
			logging.String(logging.FieldErrorHint, "run `anvil cache prune` or raise cache.max_gib"),
		)
	}
	return entry, nil
}

// removeIncomplete clears a directory that exists without a readable
// entry.json, e.g. left behind by a crash.
func removeIncomplete(dir string) error {
	if _, err := os.Lstat(dir); err != nil {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("buildcache: remove incomplete entry: %w", err)
	}
	return nil
}

// Verify re-hashes every stored artifact of key against its recorded digest.
func (m *Manager) Verify(ctx context.Context, key Key) error {
	entry, ok, err := m.Lookup(key)
	if err != nil {
		return err
	}
	if !ok {
		return services.Wrap(services.ErrCacheCorruption, "cache", "verify "+key.String(), "entry missing", nil)
	}
	for _, a := range entry.Artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		expected, err := digest.NewExpected(string(digest.SHA256), a.SHA256)
		if err != nil {
			return services.Wrap(services.ErrCacheCorruption, "cache", "verify "+key.String(), "bad recorded digest for "+a.Name, err)
		}
		mismatch, err := digest.VerifyFile(entry.ArtifactPath(a.Name), []digest.Expected{expected})
		if err != nil {
			return services.Wrap(services.ErrCacheCorruption, "cache", "verify "+key.String(), "read "+a.Name, err)
		}
		if mismatch != nil {
			return services.Wrap(services.ErrCacheCorruption, "cache", "verify "+key.String(),
				fmt.Sprintf("artifact %s: expected %s, got %s", a.Name, mismatch.Expected, mismatch.Actual), nil)
		}
	}
	return nil
}

// Invalidate removes the entry for key. The directory is renamed aside first
// so a concurrent Lookup never sees it half-deleted.
func (m *Manager) Invalidate(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	dir := m.Path(key)
	if _, err := os.Lstat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("buildcache: inspect %s: %w", key, err)
	}
	aside := filepath.Join(m.root, trashPrefix+key.dirName()+"-"+uuid.NewString()[:8])
	if err := os.Rename(dir, aside); err != nil {
		return fmt.Errorf("buildcache: invalidate %s: %w", key, err)
	}
	if err := os.RemoveAll(aside); err != nil {
		return fmt.Errorf("buildcache: remove invalidated %s: %w", key, err)
	}
	m.logger.InfoContext(ctx, "invalidated build cache entry",
		logging.String("key", key.String()),
	)
	return nil
}

// ReadLog returns the decompressed build log of key.
func (m *Manager) ReadLog(key Key) ([]byte, error) {
	return readLog(filepath.Join(m.Path(key), logFileName))
}

// Find returns every complete entry whose version matches.
func (m *Manager) Find(version string) ([]Entry, error) {
	entries, _, err := m.scan()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.entry != nil && strings.EqualFold(e.entry.BuildTag, version) {
			out = append(out, *e.entry)
		}
	}
	return out, nil
}
