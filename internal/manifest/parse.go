package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"anvil/internal/digest"
)

// Format selects the manifest document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks YAML when the content type or path says so, JSON otherwise.
func DetectFormat(contentType, location string) Format {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "yaml") || strings.Contains(ct, "yml") {
		return FormatYAML
	}
	loc := strings.ToLower(location)
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	if strings.HasSuffix(loc, ".yaml") || strings.HasSuffix(loc, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

type rawDigest struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	Value     string `json:"value" yaml:"value"`
}

type rawArtifact struct {
	Name      string      `json:"name" yaml:"name"`
	Kind      string      `json:"kind" yaml:"kind"`
	URL       string      `json:"url" yaml:"url"`
	Algorithm string      `json:"algorithm" yaml:"algorithm"`
	Digest    string      `json:"digest" yaml:"digest"`
	Digests   []rawDigest `json:"digests" yaml:"digests"`
}

type rawManifest struct {
	Version       string        `json:"version" yaml:"version"`
	PatchRevision string        `json:"patch_revision" yaml:"patch_revision"`
	Mapping       string        `json:"mapping" yaml:"mapping"`
	Artifacts     []rawArtifact `json:"artifacts" yaml:"artifacts"`
}

// Parse decodes a manifest document and validates it against the requested tag.
// Relative artifact URLs resolve against source when it is non-nil.
func Parse(data []byte, format Format, requested string, source *url.URL) (*Manifest, error) {
	var raw rawManifest
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}

	m := &Manifest{
		Version:       strings.TrimSpace(raw.Version),
		PatchRevision: strings.TrimSpace(raw.PatchRevision),
		Mapping:       strings.TrimSpace(raw.Mapping),
		Artifacts:     make([]ArtifactRef, 0, len(raw.Artifacts)),
	}
	if source != nil {
		m.Source = source.String()
	}
	for i, ra := range raw.Artifacts {
		ref, err := convertArtifact(ra, source)
		if err != nil {
			return nil, fmt.Errorf("artifacts[%d]: %w", i, err)
		}
		m.Artifacts = append(m.Artifacts, ref)
	}
	if err := m.validate(requested); err != nil {
		return nil, err
	}
	return m, nil
}

func convertArtifact(ra rawArtifact, source *url.URL) (ArtifactRef, error) {
	ref := ArtifactRef{
		Name: strings.TrimSpace(ra.Name),
		Kind: Kind(strings.ToLower(strings.TrimSpace(ra.Kind))),
	}
	if ref.Kind == "" {
		ref.Kind = KindClasspath
	}

	rawURL := strings.TrimSpace(ra.URL)
	if rawURL != "" {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return ArtifactRef{}, fmt.Errorf("parse url %q: %w", rawURL, err)
		}
		if !parsed.IsAbs() && source != nil {
			parsed = source.ResolveReference(parsed)
		}
		ref.URL = parsed.String()
	}

	declared := append([]rawDigest(nil), ra.Digests...)
	if ra.Digest != "" {
		alg := ra.Algorithm
		if alg == "" {
			alg = string(digest.SHA256)
		}
		declared = append(declared, rawDigest{Algorithm: alg, Value: ra.Digest})
	}
	seen := make(map[digest.Algorithm]string)
	for _, rd := range declared {
		exp, err := digest.NewExpected(rd.Algorithm, rd.Value)
		if err != nil {
			return ArtifactRef{}, fmt.Errorf("artifact %q: %w", ref.Name, err)
		}
		if prev, ok := seen[exp.Algorithm]; ok {
			if prev != exp.Value {
				return ArtifactRef{}, fmt.Errorf("artifact %q: conflicting %s digests", ref.Name, exp.Algorithm)
			}
			continue
		}
		seen[exp.Algorithm] = exp.Value
		ref.Digests = append(ref.Digests, exp)
	}
	return ref, nil
}
