// Package validate holds the input formats shared across the API
// surface: bead ids, branch names, canonical origins, aliases, roles,
// and the other identifier shapes the client may send.
package validate

import (
	"regexp"
	"strings"
)

// Default values for repo and branch when a sync payload does not
// specify them.
const (
	DefaultRepo   = "default"
	DefaultBranch = "main"
)

var (
	// Bead ids: alphanumeric with common separators, 1-100 chars.
	// Examples: bd-abc123, issue-42, pgdbm-4uv.16
	beadIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,99}$`)

	// Git branch names: alphanumeric with common separators, 1-255 chars.
	// Examples: main, feature/new-ui, release/v1.0.0
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]{0,254}$`)

	// Canonical origins: domain/path like "github.com/org/repo". Each
	// segment must start alphanumeric, which blocks ".." traversal.
	originPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*(/[a-zA-Z0-9][a-zA-Z0-9._-]*)*$`)

	// Aliases: alphanumeric with hyphens/underscores, 1-64 chars.
	aliasPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

	// Human names: letters with spaces, hyphens, apostrophes, 1-64 chars.
	humanNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9 '\-]{0,63}$`)

	// Project slugs: lowercase alphanumeric with hyphens, 1-64 chars.
	slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

	// Hostnames: RFC 952-ish labels joined by dots, 1-255 chars.
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]{0,254}$`)

	roleWordPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
)

const (
	roleMaxLength = 50
	roleMaxWords  = 2

	// RoleErrorMessage is returned verbatim for invalid roles.
	RoleErrorMessage = "Invalid role: use 1-2 words (letters/numbers) with hyphens/underscores allowed; max 50 chars"
)

// BeadID reports whether the bead id matches the expected format.
func BeadID(id string) bool {
	return beadIDPattern.MatchString(id)
}

// BranchName reports whether the branch matches the expected Git branch format.
func BranchName(branch string) bool {
	return branchPattern.MatchString(branch)
}

// CanonicalOrigin reports whether the origin matches the expected
// host/path format (e.g. github.com/org/repo).
func CanonicalOrigin(origin string) bool {
	if origin == "" || len(origin) > 255 {
		return false
	}
	return originPattern.MatchString(origin)
}

// Alias reports whether the workspace alias matches the expected format.
func Alias(alias string) bool {
	return aliasPattern.MatchString(alias)
}

// HumanName reports whether the human name matches the expected format.
func HumanName(name string) bool {
	return humanNamePattern.MatchString(name)
}

// ProjectSlug reports whether the slug matches the expected format.
func ProjectSlug(slug string) bool {
	return slugPattern.MatchString(slug)
}

// Hostname reports whether the hostname is printable and well-formed.
func Hostname(hostname string) bool {
	return hostnamePattern.MatchString(hostname)
}

// WorkspacePath reports whether the path is a sane absolute path with
// no control characters.
func WorkspacePath(path string) bool {
	if path == "" || len(path) > 1024 || !strings.HasPrefix(path, "/") {
		return false
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// NormalizeRole trims, collapses inner spaces, and lowercases a role.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.Join(strings.Fields(role), " "))
}

// Role reports whether the role is 1-2 words of allowed characters.
func Role(role string) bool {
	normalized := NormalizeRole(role)
	if normalized == "" || len(normalized) > roleMaxLength {
		return false
	}
	words := strings.Split(normalized, " ")
	if len(words) > roleMaxWords {
		return false
	}
	for _, word := range words {
		if !roleWordPattern.MatchString(word) {
			return false
		}
	}
	return true
}

// RoleAliasPrefix converts a role to an alias-friendly prefix.
func RoleAliasPrefix(role string) string {
	return strings.ReplaceAll(NormalizeRole(role), " ", "-")
}

// ClassicNames are the workspace alias base names, tried in order when
// the client does not propose an alias.
var ClassicNames = []string{
	"alice", "bob", "charlie", "dave", "eve", "frank", "grace", "henry",
	"ivy", "jack", "kate", "leo", "mia", "noah", "olivia", "peter",
	"quinn", "rose", "sam", "tara", "uma", "victor", "wendy", "xavier",
	"yara", "zoe",
}
