package manifest

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"anvil/internal/digest"
)

// Kind classifies an artifact by the role it plays in the build.
type Kind string

const (
	KindServer          Kind = "server"
	KindMapping         Kind = "mapping"
	KindAccessTransform Kind = "access_transform"
	KindClasspath       Kind = "classpath"
)

var knownKinds = []Kind{KindServer, KindMapping, KindAccessTransform, KindClasspath}

// ArtifactRef points at one upstream file and the digests it must match.
type ArtifactRef struct {
	Name    string            `json:"name"`
	Kind    Kind              `json:"kind"`
	URL     string            `json:"url"`
	Digests []digest.Expected `json:"digests"`
	// LocalPath is where the verified bytes live once fetched. The resolver
	// leaves it empty.
	LocalPath string `json:"local_path,omitempty"`
}

// FileName returns the base name the artifact should be stored under.
func (a ArtifactRef) FileName() string {
	ext := ""
	if parsed, err := url.Parse(a.URL); err == nil {
		ext = path.Ext(parsed.Path)
	}
	return a.Name + ext
}

// Manifest is the resolved description of one version.
type Manifest struct {
	Version       string        `json:"version"`
	PatchRevision string        `json:"patch_revision"`
	Mapping       string        `json:"mapping,omitempty"`
	Artifacts     []ArtifactRef `json:"artifacts"`
	Source        string        `json:"source"`
}

// Artifact returns the artifact with the given name.
func (m *Manifest) Artifact(name string) (ArtifactRef, bool) {
	for _, ref := range m.Artifacts {
		if ref.Name == name {
			return ref, true
		}
	}
	return ArtifactRef{}, false
}

// ByKind returns the artifacts of a kind in manifest order.
func (m *Manifest) ByKind(kind Kind) []ArtifactRef {
	var out []ArtifactRef
	for _, ref := range m.Artifacts {
		if ref.Kind == kind {
			out = append(out, ref)
		}
	}
	return out
}

// Server returns the primary server artifact.
func (m *Manifest) Server() (ArtifactRef, bool) {
	servers := m.ByKind(KindServer)
	if len(servers) == 0 {
		return ArtifactRef{}, false
	}
	return servers[0], true
}

// MappingArtifact returns the artifact referenced as the mapping file.
func (m *Manifest) MappingArtifact() (ArtifactRef, bool) {
	if m.Mapping != "" {
		return m.Artifact(m.Mapping)
	}
	mappings := m.ByKind(KindMapping)
	if len(mappings) == 0 {
		return ArtifactRef{}, false
	}
	return mappings[0], true
}

func (m *Manifest) validate(requested string) error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("missing version")
	}
	if m.Version != requested {
		return fmt.Errorf("manifest describes version %q, requested %q", m.Version, requested)
	}
	if strings.TrimSpace(m.PatchRevision) == "" {
		return fmt.Errorf("missing patch_revision")
	}
	if len(m.Artifacts) == 0 {
		return fmt.Errorf("no artifacts listed")
	}
	names := make(map[string]struct{}, len(m.Artifacts))
	for i, ref := range m.Artifacts {
		if ref.Name == "" {
			return fmt.Errorf("artifacts[%d]: missing name", i)
		}
		if _, dup := names[ref.Name]; dup {
			return fmt.Errorf("artifacts[%d]: duplicate name %q", i, ref.Name)
		}
		names[ref.Name] = struct{}{}
		if !slices.Contains(knownKinds, ref.Kind) {
			return fmt.Errorf("artifact %q: unknown kind %q", ref.Name, ref.Kind)
		}
		if ref.URL == "" {
			return fmt.Errorf("artifact %q: missing url", ref.Name)
		}
		if len(ref.Digests) == 0 {
			return fmt.Errorf("artifact %q: no digests declared", ref.Name)
		}
	}
	if _, ok := m.Server(); !ok {
		return fmt.Errorf("no %s artifact listed", KindServer)
	}
	if m.Mapping != "" {
		if _, ok := m.Artifact(m.Mapping); !ok {
			return fmt.Errorf("mapping references unknown artifact %q", m.Mapping)
		}
	}
	return nil
}

// AssignLocalPaths sets LocalPath for every artifact that lacks one to
// dir/<name><ext>.
func (m *Manifest) AssignLocalPaths(dir string) {
	for i := range m.Artifacts {
		if m.Artifacts[i].LocalPath == "" {
			m.Artifacts[i].LocalPath = filepath.Join(dir, m.Artifacts[i].FileName())
		}
	}
}
