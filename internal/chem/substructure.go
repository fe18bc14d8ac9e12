package chem

import (
	"fmt"
	"strings"

	"github.com/molforge/molforge/pkg/errors"
)

// MatchSubstructure reports whether pattern occurs as a substructure of
// target.  Both arguments are raw structure notation; they are canonicalized
// before matching so that notation variants of the same fragment match
// identically.
//
// Matching is a two-stage screen in the style of fingerprint prefilters:
//  1. every bit set in the pattern's topological fingerprint must also be set
//     in the target's (a necessary condition for containment), then
//  2. the pattern's atom sequence must occur as a contiguous subsequence of
//     the target's atom sequence.
//
// A pattern that fails canonicalization yields a substructure-invalid error.
func MatchSubstructure(pattern, target string) (bool, error) {
	pf, err := Canonicalize(pattern)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeSubstructureInvalid, "invalid substructure pattern")
	}
	tf, err := Canonicalize(target)
	if err != nil {
		return false, err
	}
	return matchCanonical(pf.SMILES, tf.SMILES)
}

// MatchCanonicalSubstructure is the fast path for callers that already hold
// canonical SMILES for both sides (for example the query service matching a
// validated pattern against stored molecules).
func MatchCanonicalSubstructure(canonicalPattern, canonicalTarget string) (bool, error) {
	return matchCanonical(canonicalPattern, canonicalTarget)
}

func matchCanonical(pattern, target string) (bool, error) {
	pfp, err := computeTopological(pattern, TopologicalBits)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeSubstructureInvalid, "cannot fingerprint substructure pattern")
	}
	tfp, err := computeTopological(target, TopologicalBits)
	if err != nil {
		return false, err
	}

	// Screen: any pattern bit absent from the target rules out containment.
	for i := range pfp.Bits {
		if pfp.Bits[i]&^tfp.Bits[i] != 0 {
			return false, nil
		}
	}

	return containsAtomSequence(ParseAtoms(target), ParseAtoms(pattern)), nil
}

// containsAtomSequence reports whether needle occurs contiguously in haystack.
func containsAtomSequence(haystack, needle []string) bool {
	if len(needle) == 0 {
		return false
	}
	if len(needle) > len(haystack) {
		return false
	}
	h := "|" + strings.Join(haystack, "|") + "|"
	n := "|" + strings.Join(needle, "|") + "|"
	return strings.Contains(h, n)
}

// ValidatePattern checks that a substructure pattern is usable without
// running a match, for request validation at the query boundary.
func ValidatePattern(pattern string) error {
	if _, err := Canonicalize(pattern); err != nil {
		return errors.Wrap(err, errors.ErrCodeSubstructureInvalid,
			fmt.Sprintf("invalid substructure pattern %q", pattern))
	}
	return nil
}
