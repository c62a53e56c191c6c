package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrontmatter(t *testing.T) {
	fm, body, err := parseFrontmatter(`---
id: claims.respect-holders
title: Respect active claims
---

The body text.`)
	require.NoError(t, err)
	assert.Equal(t, "claims.respect-holders", fm.ID)
	assert.Equal(t, "Respect active claims", fm.Title)
	assert.Equal(t, "The body text.", body)
}

func TestParseFrontmatterMissing(t *testing.T) {
	_, _, err := parseFrontmatter("just a body, no header")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frontmatter")

	_, _, err = parseFrontmatter("---\nid: x\nno closing delimiter")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closing")
}

func TestParseFrontmatterInvalidYAML(t *testing.T) {
	_, _, err := parseFrontmatter("---\n: [unbalanced\n---\nbody")
	assert.Error(t, err)
}

func TestNormalizeBundle(t *testing.T) {
	b := NormalizeBundle(Bundle{})
	assert.NotNil(t, b.Invariants)
	assert.NotNil(t, b.Roles)
	assert.NotNil(t, b.Adapters)
	assert.Empty(t, b.Invariants)

	// Existing content is left alone.
	b = NormalizeBundle(Bundle{Invariants: []Invariant{{ID: "x"}}})
	require.Len(t, b.Invariants, 1)
	assert.Equal(t, "x", b.Invariants[0].ID)
}

func TestDefaultBundle(t *testing.T) {
	bundle, err := DefaultBundle()
	require.NoError(t, err)

	ids := make([]string, 0, len(bundle.Invariants))
	for _, inv := range bundle.Invariants {
		ids = append(ids, inv.ID)
		assert.NotEmpty(t, inv.Title)
		assert.NotEmpty(t, inv.BodyMD)
	}
	assert.Contains(t, ids, "claims.respect-holders")
	assert.Contains(t, ids, "communication.mail-first")
	assert.Contains(t, ids, "tracking.bdh-only")

	for _, role := range []string{"coordinator", "developer", "reviewer"} {
		assert.Contains(t, bundle.Roles, role)
		assert.NotEmpty(t, bundle.Roles[role].PlaybookMD)
	}

	// Coordinated claims stay off unless a stored policy enables them.
	assert.False(t, bundle.Settings.AllowCoordinatedClaims)
}

func TestDefaultBundleReturnsCopies(t *testing.T) {
	a, err := DefaultBundle()
	require.NoError(t, err)
	a.Roles["developer"] = Role{Title: "mutated"}
	a.Invariants[0].Title = "mutated"

	b, err := DefaultBundle()
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", b.Roles["developer"].Title)
	assert.NotEqual(t, "mutated", b.Invariants[0].Title)
}
