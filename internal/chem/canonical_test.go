package chem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/errors"
)

func TestCanonicalize_Valid(t *testing.T) {
	t.Parallel()

	form, err := Canonicalize("CCO")
	require.NoError(t, err)
	assert.Equal(t, "CCO", form.SMILES)
	assert.Len(t, form.ContentHash, ContentHashLength)
	assert.True(t, IsContentHash(form.ContentHash))
}

func TestCanonicalize_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := Canonicalize("c1ccccc1")
	require.NoError(t, err)
	b, err := Canonicalize("c1ccccc1")
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.SMILES, b.SMILES)
}

func TestCanonicalize_TrimsWhitespace(t *testing.T) {
	t.Parallel()

	trimmed, err := Canonicalize("CCO")
	require.NoError(t, err)
	padded, err := Canonicalize("  CCO  ")
	require.NoError(t, err)
	assert.Equal(t, trimmed.ContentHash, padded.ContentHash)
}

func TestCanonicalize_RingRenumbering(t *testing.T) {
	t.Parallel()

	// The same ring written with different closure labels must converge.
	one, err := Canonicalize("C1CCCCC1")
	require.NoError(t, err)
	two, err := Canonicalize("C2CCCCC2")
	require.NoError(t, err)
	assert.Equal(t, one.SMILES, two.SMILES)
	assert.Equal(t, one.ContentHash, two.ContentHash)
	assert.Equal(t, "C1CCCCC1", one.SMILES)
}

func TestCanonicalize_SyntaxErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"invalid characters", "C$C"},
		{"unclosed paren", "C(C"},
		{"unmatched close paren", "CC)"},
		{"unclosed bracket", "C[NH2"},
		{"mismatched bracket order", "C(]C"},
		{"unpaired ring closure", "C1CC"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Canonicalize(tt.input)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeValidationSyntax), "want VAL_001, got %v", err)
		})
	}
}

func TestCanonicalize_ChemistryErrors(t *testing.T) {
	t.Parallel()

	// Parseable notation with no atoms in it.
	for _, input := range []string{"=", "#", "=="} {
		_, err := Canonicalize(input)
		require.Error(t, err, "input %q", input)
		assert.True(t, errors.IsCode(err, errors.ErrCodeValidationChemistry), "want VAL_002 for %q, got %v", input, err)
	}
}

func TestContentHash_Shape(t *testing.T) {
	t.Parallel()

	h := ContentHash("CCO")
	assert.Len(t, h, 27)
	assert.Equal(t, byte('-'), h[14])
	assert.Equal(t, byte('-'), h[25])
	assert.True(t, IsContentHash(h))

	assert.False(t, IsContentHash("not-a-hash"))
	assert.False(t, IsContentHash(""))
}

func TestContentHash_DiffersByInput(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, ContentHash("CCO"), ContentHash("CCN"))
}

func TestParseAtoms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		smiles string
		want   []string
	}{
		{"CCO", []string{"C", "C", "O"}},
		{"CCl", []string{"C", "Cl"}},
		{"BrCC", []string{"Br", "C", "C"}},
		{"c1ccccc1", []string{"c", "c", "c", "c", "c", "c"}},
		{"[NH2]C", []string{"N", "C"}},
		{"C[13C]O", []string{"C", "C", "O"}},
		{"[nH]1cccc1", []string{"n", "c", "c", "c", "c"}},
		{"=", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseAtoms(tt.smiles), "smiles %q", tt.smiles)
	}
}
