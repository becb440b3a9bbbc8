package manifest

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"plexer/internal/proto"
)

// Discovered is one plugin found under the workspace roots, with every root
// that references it.
type Discovered struct {
	Manifest Manifest
	Path     string
	Roots    []string
}

// Discover walks the given roots, honoring their exclusions, and collects
// plugin manifests. Plugins referenced from multiple roots are reported once
// with all their roots. Unreadable or invalid manifests are skipped and
// returned as errors; they never abort discovery of the rest.
func Discover(roots []proto.WorkspaceRoot) ([]Discovered, []error) {
	byKey := make(map[string]*Discovered)
	var problems []error

	for _, root := range roots {
		walkErr := filepath.WalkDir(root.Root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				problems = append(problems, err)
				if entry != nil && entry.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if entry.IsDir() {
				if excluded(path, root.Exclude) {
					return filepath.SkipDir
				}
				return nil
			}
			if entry.Name() != FileName {
				return nil
			}
			m, err := Load(path)
			if err != nil {
				problems = append(problems, err)
				return nil
			}
			key := Hash(m)
			found, ok := byKey[key]
			if !ok {
				found = &Discovered{Manifest: m, Path: path}
				byKey[key] = found
			}
			found.Roots = appendRoot(found.Roots, root.Root)
			return nil
		})
		if walkErr != nil {
			problems = append(problems, walkErr)
		}
	}

	out := make([]Discovered, 0, len(byKey))
	for _, found := range byKey {
		sort.Strings(found.Roots)
		out = append(out, *found)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Manifest.Name != out[j].Manifest.Name {
			return out[i].Manifest.Name < out[j].Manifest.Name
		}
		return Hash(out[i].Manifest) < Hash(out[j].Manifest)
	})
	return out, problems
}

func excluded(path string, exclusions []string) bool {
	for _, exclusion := range exclusions {
		if exclusion == "" {
			continue
		}
		if path == exclusion || strings.HasPrefix(path, exclusion+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func appendRoot(roots []string, root string) []string {
	for _, existing := range roots {
		if existing == root {
			return roots
		}
	}
	return append(roots, root)
}
