package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBeadID(t *testing.T) {
	assert.True(t, BeadID("bd-abc123"))
	assert.True(t, BeadID("issue-42"))
	assert.True(t, BeadID("pgdbm-4uv.16"))
	assert.True(t, BeadID("a"))

	assert.False(t, BeadID(""))
	assert.False(t, BeadID("-leading-dash"))
	assert.False(t, BeadID(".leading-dot"))
	assert.False(t, BeadID("has space"))
	assert.False(t, BeadID(strings.Repeat("a", 101)))
	assert.True(t, BeadID(strings.Repeat("a", 100)))
}

func TestBranchName(t *testing.T) {
	assert.True(t, BranchName("main"))
	assert.True(t, BranchName("feature/new-ui"))
	assert.True(t, BranchName("release/v1.0.0"))

	assert.False(t, BranchName(""))
	assert.False(t, BranchName("/leading-slash"))
	assert.False(t, BranchName("has space"))
	assert.False(t, BranchName(strings.Repeat("b", 256)))
}

func TestCanonicalOrigin(t *testing.T) {
	assert.True(t, CanonicalOrigin("github.com/org/repo"))
	assert.True(t, CanonicalOrigin("gitlab.example.com/group/sub/repo"))
	assert.True(t, CanonicalOrigin("host/repo.git"))

	assert.False(t, CanonicalOrigin(""))
	assert.False(t, CanonicalOrigin("github.com/org/../etc"))
	assert.False(t, CanonicalOrigin("/absolute/path"))
	assert.False(t, CanonicalOrigin("github.com//repo"))
	assert.False(t, CanonicalOrigin(strings.Repeat("a", 256)))
}

func TestAlias(t *testing.T) {
	assert.True(t, Alias("alice"))
	assert.True(t, Alias("alice-02"))
	assert.True(t, Alias("bob_the_builder"))

	assert.False(t, Alias(""))
	assert.False(t, Alias("-alice"))
	assert.False(t, Alias("alice!"))
	assert.False(t, Alias(strings.Repeat("a", 65)))
}

func TestHumanName(t *testing.T) {
	assert.True(t, HumanName("Ada Lovelace"))
	assert.True(t, HumanName("O'Brien"))
	assert.True(t, HumanName("Jean-Luc"))

	assert.False(t, HumanName(""))
	assert.False(t, HumanName("123 Agent"))
	assert.False(t, HumanName("name\nwith newline"))
}

func TestProjectSlug(t *testing.T) {
	assert.True(t, ProjectSlug("my-project"))
	assert.True(t, ProjectSlug("proj42"))

	assert.False(t, ProjectSlug(""))
	assert.False(t, ProjectSlug("My-Project"))
	assert.False(t, ProjectSlug("-leading"))
	assert.False(t, ProjectSlug("has space"))
}

func TestWorkspacePath(t *testing.T) {
	assert.True(t, WorkspacePath("/home/agent/work"))
	assert.True(t, WorkspacePath("/"))

	assert.False(t, WorkspacePath(""))
	assert.False(t, WorkspacePath("relative/path"))
	assert.False(t, WorkspacePath("/has\ttab"))
	assert.False(t, WorkspacePath("/"+strings.Repeat("a", 1024)))
}

func TestRole(t *testing.T) {
	assert.True(t, Role("agent"))
	assert.True(t, Role("senior reviewer"))
	assert.True(t, Role("Code-Reviewer"))

	assert.False(t, Role(""))
	assert.False(t, Role("   "))
	assert.False(t, Role("one two three"))
	assert.False(t, Role("bad!chars"))
	assert.False(t, Role(strings.Repeat("r", 51)))
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, "agent", NormalizeRole("  Agent  "))
	assert.Equal(t, "senior reviewer", NormalizeRole("Senior   Reviewer"))
	assert.Equal(t, "", NormalizeRole("   "))
}

func TestRoleAliasPrefix(t *testing.T) {
	assert.Equal(t, "reviewer", RoleAliasPrefix("Reviewer"))
	assert.Equal(t, "senior-reviewer", RoleAliasPrefix("Senior  Reviewer"))
}
