package policy

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
)

// The baseline bundle ships inside the binary as markdown files with
// YAML frontmatter. It becomes version 1 of any project that reaches a
// policy-reading code path without ever storing one.
//
//go:embed defaults/invariants/*.md defaults/roles/*.md
var defaultsFS embed.FS

var (
	defaultBundle     *Bundle
	defaultBundleErr  error
	defaultBundleOnce sync.Once
)

// DefaultBundle returns a copy of the embedded baseline bundle.
func DefaultBundle() (Bundle, error) {
	defaultBundleOnce.Do(func() {
		defaultBundle, defaultBundleErr = loadDefaultBundle(defaultsFS)
	})
	if defaultBundleErr != nil {
		return Bundle{}, defaultBundleErr
	}

	// Copy so callers cannot mutate the cached bundle.
	out := Bundle{
		Invariants: append([]Invariant(nil), defaultBundle.Invariants...),
		Roles:      make(map[string]Role, len(defaultBundle.Roles)),
		Settings:   defaultBundle.Settings,
	}
	for id, role := range defaultBundle.Roles {
		out.Roles[id] = role
	}
	return NormalizeBundle(out), nil
}

func loadDefaultBundle(fsys fs.FS) (*Bundle, error) {
	invariants, err := loadInvariants(fsys, "defaults/invariants")
	if err != nil {
		return nil, err
	}
	roles, err := loadRoles(fsys, "defaults/roles")
	if err != nil {
		return nil, err
	}
	bundle := NormalizeBundle(Bundle{Invariants: invariants, Roles: roles})
	return &bundle, nil
}

func loadInvariants(fsys fs.FS, dir string) ([]Invariant, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("missing defaults directory %s: %w", dir, err)
	}

	var invariants []Invariant
	seen := map[string]bool{}
	for _, entry := range sortedMarkdown(entries) {
		content, err := fs.ReadFile(fsys, dir+"/"+entry)
		if err != nil {
			return nil, err
		}
		fm, body, err := parseFrontmatter(string(content))
		if err != nil {
			return nil, fmt.Errorf("invariant file %q: %w", entry, err)
		}
		if fm.ID == "" || fm.Title == "" {
			return nil, fmt.Errorf("invariant file %q is missing required 'id' or 'title' field", entry)
		}
		if seen[fm.ID] {
			return nil, fmt.Errorf("duplicate invariant ID %q in %q", fm.ID, entry)
		}
		seen[fm.ID] = true
		invariants = append(invariants, Invariant{ID: fm.ID, Title: fm.Title, BodyMD: body})
	}
	return invariants, nil
}

func loadRoles(fsys fs.FS, dir string) (map[string]Role, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("missing defaults directory %s: %w", dir, err)
	}

	roles := map[string]Role{}
	for _, entry := range sortedMarkdown(entries) {
		content, err := fs.ReadFile(fsys, dir+"/"+entry)
		if err != nil {
			return nil, err
		}
		fm, body, err := parseFrontmatter(string(content))
		if err != nil {
			return nil, fmt.Errorf("role file %q: %w", entry, err)
		}
		if fm.ID == "" || fm.Title == "" {
			return nil, fmt.Errorf("role file %q is missing required 'id' or 'title' field", entry)
		}
		if _, dup := roles[fm.ID]; dup {
			return nil, fmt.Errorf("duplicate role ID %q in %q", fm.ID, entry)
		}
		roles[fm.ID] = Role{Title: fm.Title, PlaybookMD: body}
	}
	return roles, nil
}

func sortedMarkdown(entries []fs.DirEntry) []string {
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
