package patch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"anvil/internal/services"
)

// LoadOptions controls how patch files are read from a directory.
type LoadOptions struct {
	Strip int
	// Fuzz is stamped on every file; negative inherits the engine default.
	Fuzz int
}

// PatchExtension is the suffix of files LoadSet picks up.
const PatchExtension = ".patch"

// LoadSet reads every *.patch file of dir in lexical order as the set for
// layer. A missing directory is an error; an empty one is an empty set.
func LoadSet(dir, layer, revision string, opts LoadOptions) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "patch", "load "+layer, fmt.Sprintf("patch directory %s missing", dir), nil)
		}
		return nil, fmt.Errorf("patch: read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), PatchExtension) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	set := &Set{Layer: layer, Revision: revision}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("patch: read %s: %w", name, err)
		}
		files, err := ParseStrip(name, data, opts.Strip)
		if err != nil {
			return nil, err
		}
		for i := range files {
			files[i].Fuzz = opts.Fuzz
		}
		set.Files = append(set.Files, files...)
	}
	return set, nil
}

// DiffTrees compares two directory trees and returns one patch file per
// changed, created or deleted regular file, ordered by path. Version control
// metadata is skipped.
func DiffTrees(oldRoot, newRoot string) ([]File, error) {
	oldFiles, err := listFiles(oldRoot)
	if err != nil {
		return nil, err
	}
	newFiles, err := listFiles(newRoot)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]struct{}, len(oldFiles)+len(newFiles))
	for p := range oldFiles {
		paths[p] = struct{}{}
	}
	for p := range newFiles {
		paths[p] = struct{}{}
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	var out []File
	for _, rel := range ordered {
		before, err := readOptional(oldRoot, rel, oldFiles)
		if err != nil {
			return nil, err
		}
		after, err := readOptional(newRoot, rel, newFiles)
		if err != nil {
			return nil, err
		}
		if file, ok := DiffFile(rel, before, after, DefaultContext); ok {
			out = append(out, file)
		}
	}
	return out, nil
}

func listFiles(root string) (map[string]struct{}, error) {
	files := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("patch: walk %s: %w", root, err)
	}
	return files, nil
}

// readOptional returns nil for a file absent from the tree and a non-nil
// (possibly empty) slice otherwise.
func readOptional(root, rel string, present map[string]struct{}) ([]byte, error) {
	if _, ok := present[rel]; !ok {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("patch: read %s: %w", rel, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}
