package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeGitURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"ssh scp-like", "git@github.com:org/repo.git", "github.com/org/repo"},
		{"https", "https://github.com/org/repo.git", "github.com/org/repo"},
		{"https no suffix", "https://github.com/org/repo", "github.com/org/repo"},
		{"ssh scheme with port", "ssh://git@github.com:22/org/repo", "github.com/org/repo"},
		{"http", "http://gitlab.example.com/group/sub/repo.git", "gitlab.example.com/group/sub/repo"},
		{"trailing slash", "https://github.com/org/repo/", "github.com/org/repo"},
		{"whitespace", "  git@github.com:org/repo.git  ", "github.com/org/repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizeGitURL(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalizeGitURLEquivalentRemotes(t *testing.T) {
	ssh, err := CanonicalizeGitURL("git@github.com:org/repo.git")
	require.NoError(t, err)
	https, err := CanonicalizeGitURL("https://github.com/org/repo.git")
	require.NoError(t, err)
	assert.Equal(t, ssh, https)
}

func TestCanonicalizeGitURLInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"   ",
		"not a url",
		"https://",
		"https://github.com",
		"git@github.com:",
	} {
		_, err := CanonicalizeGitURL(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestExtractRepoName(t *testing.T) {
	assert.Equal(t, "repo", ExtractRepoName("github.com/org/repo"))
	assert.Equal(t, "repo", ExtractRepoName("gitlab.example.com/group/sub/repo"))
	assert.Equal(t, "standalone", ExtractRepoName("standalone"))
}

func TestAmbiguousErrorMessage(t *testing.T) {
	err := &AmbiguousError{
		CanonicalOrigin: "github.com/org/repo",
		Candidates: []Candidate{
			{RepoID: "r1", ProjectID: "p1", ProjectSlug: "alpha"},
			{RepoID: "r2", ProjectID: "p2", ProjectSlug: "beta"},
		},
	}
	assert.Contains(t, err.Error(), "github.com/org/repo")
	assert.Contains(t, err.Error(), "alpha, beta")
}
