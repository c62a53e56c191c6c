package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Invariant is one named behavioral rule in a policy bundle.
type Invariant struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	BodyMD string `json:"body_md"`
}

// Role is a playbook for one agent role.
type Role struct {
	Title      string `json:"title"`
	PlaybookMD string `json:"playbook_md"`
}

// BundleSettings are the behavioral switches a bundle can flip.
type BundleSettings struct {
	// AllowCoordinatedClaims permits multiple live workspaces to hold
	// claims on the same bead. Off by default: the second claimant is
	// rejected with the holder's identity.
	AllowCoordinatedClaims bool `json:"allow_coordinated_claims"`
}

// Bundle is a versioned policy document: invariants, role playbooks,
// settings, and opaque adapter configuration passed through untouched.
type Bundle struct {
	Invariants []Invariant                `json:"invariants"`
	Roles      map[string]Role            `json:"roles"`
	Settings   BundleSettings             `json:"settings"`
	Adapters   map[string]json.RawMessage `json:"adapters"`
}

// NormalizeBundle fills nil maps/slices so every stored bundle has the
// same shape.
func NormalizeBundle(b Bundle) Bundle {
	if b.Invariants == nil {
		b.Invariants = []Invariant{}
	}
	if b.Roles == nil {
		b.Roles = map[string]Role{}
	}
	if b.Adapters == nil {
		b.Adapters = map[string]json.RawMessage{}
	}
	return b
}

// frontmatter is the YAML header of a defaults markdown file.
type frontmatter struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// parseFrontmatter splits a markdown document into its YAML header and
// body. The header is delimited by a leading "---" pair.
func parseFrontmatter(content string) (frontmatter, string, error) {
	content = strings.TrimSpace(content)

	if !strings.HasPrefix(content, "---") {
		return frontmatter{}, "", fmt.Errorf("missing YAML frontmatter (must start with ---)")
	}

	end := strings.Index(content[3:], "---")
	if end == -1 {
		return frontmatter{}, "", fmt.Errorf("invalid YAML frontmatter (missing closing ---)")
	}
	end += 3

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(content[3:end]), &fm); err != nil {
		return frontmatter{}, "", fmt.Errorf("invalid YAML frontmatter: %w", err)
	}

	body := strings.TrimSpace(content[end+3:])
	return fm, body, nil
}
