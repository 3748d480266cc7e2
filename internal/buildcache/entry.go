package buildcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"anvil/internal/fileutil"
)

const (
	entryVersion  = 1
	entryFileName = "entry.json"
	logFileName   = "build.log.zst"
	artifactsDir  = "artifacts"
	hashPrefixLen = 16
)

// Status of a cache entry.
type Status string

const (
	StatusComplete Status = "complete"
)

// Key identifies one build: the version tag and the hash of every patch set
// applied on top of it.
type Key struct {
	Version   string
	PatchHash string
}

func (k Key) String() string {
	return k.Version + "@" + k.shortHash()
}

func (k Key) shortHash() string {
	if len(k.PatchHash) > hashPrefixLen {
		return k.PatchHash[:hashPrefixLen]
	}
	return k.PatchHash
}

// dirName is the entry directory name for the key.
func (k Key) dirName() string {
	return fileutil.Sanitize(k.Version) + "-" + fileutil.Sanitize(k.shortHash())
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Version) == "" || strings.TrimSpace(k.PatchHash) == "" {
		return fmt.Errorf("buildcache: key requires version and patch hash (got %q)", k.String())
	}
	return nil
}

// Artifact is one stored output file.
type Artifact struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Entry is the metadata record of a cache entry.
type Entry struct {
	Version     int               `json:"version"`
	Key         Key               `json:"-"`
	BuildTag    string            `json:"build_version"`
	PatchHash   string            `json:"patch_hash"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	RunID       string            `json:"run_id,omitempty"`
	Sources     map[string]string `json:"sources,omitempty"`
	Artifacts   []Artifact        `json:"artifacts"`
	ContentHash string            `json:"content_hash"`

	// Dir is the entry directory; not persisted.
	Dir string `json:"-"`
}

// ArtifactPath returns the absolute path of a stored artifact.
func (e Entry) ArtifactPath(name string) string {
	return filepath.Join(e.Dir, artifactsDir, filepath.FromSlash(name))
}

// Paths returns the absolute paths of every stored artifact.
func (e Entry) Paths() []string {
	out := make([]string, 0, len(e.Artifacts))
	for _, a := range e.Artifacts {
		out = append(out, e.ArtifactPath(a.Name))
	}
	return out
}

// contentHash digests the artifact list, independent of order.
func contentHash(artifacts []Artifact) string {
	sorted := append([]Artifact(nil), artifacts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	h := sha256.New()
	for _, a := range sorted {
		fmt.Fprintf(h, "%s %s %d\n", a.Name, a.SHA256, a.Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeEntry(dir string, entry Entry) error {
	entry.Version = entryVersion
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("buildcache: encode entry: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, entryFileName), payload, 0o644); err != nil {
		return fmt.Errorf("buildcache: write entry: %w", err)
	}
	return nil
}

// readEntry loads entry.json from dir. A missing file reports ok=false.
func readEntry(dir string) (Entry, bool, error) {
	payload, err := os.ReadFile(filepath.Join(dir, entryFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("buildcache: read entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, true, fmt.Errorf("buildcache: decode entry: %w", err)
	}
	if entry.Version != entryVersion {
		return Entry{}, true, fmt.Errorf("buildcache: unsupported entry version %d", entry.Version)
	}
	entry.Key = Key{Version: entry.BuildTag, PatchHash: entry.PatchHash}
	entry.Dir = dir
	return entry, true, nil
}
