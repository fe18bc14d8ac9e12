// Package chem provides the pure chemistry capability layer for MolForge:
// canonicalization, content hashing, descriptor computation, fingerprints, and
// substructure matching.  Nothing in this package performs I/O; every function
// is deterministic so that the same structure always yields the same canonical
// form and content hash, regardless of host or process.
//
// The algorithms here are simplified stand-ins for a full cheminformatics
// toolkit; the package boundary is the seam where a native toolkit binding
// would be dropped in.
package chem

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/molforge/molforge/pkg/errors"
)

// ContentHashLength is the fixed length of a structure content hash, formatted
// like an InChIKey: 14 hex chars, dash, 10 hex chars, dash, 1 hex char.
const ContentHashLength = 27

// MaxNotationLength caps the length of raw structure notation.  Anything
// longer is rejected before parsing.
const MaxNotationLength = 10_000

// CanonicalForm is the result of canonicalizing a raw structure notation.
// ContentHash is derived solely from the canonical SMILES, so two inputs that
// canonicalize identically always share a hash.
type CanonicalForm struct {
	SMILES      string
	ContentHash string
}

// validSMILESChars defines the allowed character set for SMILES notation.
// This is a coarse filter; structural validation happens afterwards.
var validSMILESChars = regexp.MustCompile(`^[A-Za-z0-9@+\-\[\]()=#/\\%.*:]+$`)

// Canonicalize validates raw structure notation and produces its canonical
// form plus content hash.
//
// Failure modes map onto the validation taxonomy:
//   - ErrCodeValidationSyntax: empty input, illegal characters, unbalanced
//     brackets, unpaired ring-closure digits.
//   - ErrCodeValidationChemistry: parseable notation that cannot describe a
//     real structure (no atoms, bare bond symbols).
//   - ErrCodeValidationSizeLimit: notation longer than MaxNotationLength.
func Canonicalize(raw string) (CanonicalForm, error) {
	smiles := strings.TrimSpace(raw)
	if smiles == "" {
		return CanonicalForm{}, errors.New(errors.ErrCodeValidationSyntax, "structure notation cannot be empty")
	}
	if len(smiles) > MaxNotationLength {
		return CanonicalForm{}, errors.New(errors.ErrCodeValidationSizeLimit, "structure notation exceeds length limit").
			WithDetail(fmt.Sprintf("length=%d limit=%d", len(smiles), MaxNotationLength))
	}

	if !validSMILESChars.MatchString(smiles) {
		return CanonicalForm{}, errors.New(errors.ErrCodeValidationSyntax, "structure notation contains invalid characters").
			WithDetail(fmt.Sprintf("smiles=%s", smiles))
	}

	if err := validateBrackets(smiles); err != nil {
		return CanonicalForm{}, err
	}

	if err := validateRingClosures(smiles); err != nil {
		return CanonicalForm{}, err
	}

	atoms := ParseAtoms(smiles)
	if len(atoms) == 0 {
		return CanonicalForm{}, errors.New(errors.ErrCodeValidationChemistry, "no atoms found in structure").
			WithDetail(fmt.Sprintf("smiles=%s", smiles))
	}

	canonical := normalize(smiles)

	return CanonicalForm{
		SMILES:      canonical,
		ContentHash: ContentHash(canonical),
	}, nil
}

// ContentHash derives the 27-character content hash from a canonical SMILES
// string.  The format mimics an InChIKey (XXXXXXXXXXXXXX-XXXXXXXXXX-X) so the
// key reads naturally in chemistry tooling, but the digest is a plain SHA-256
// of the canonical form.
func ContentHash(canonicalSMILES string) string {
	hash := sha256.Sum256([]byte(canonicalSMILES))
	hexStr := hex.EncodeToString(hash[:])
	return strings.ToUpper(hexStr[:14]) + "-" + strings.ToUpper(hexStr[14:24]) + "-" + strings.ToUpper(hexStr[24:25])
}

// IsContentHash reports whether s has the shape of a content hash.
var contentHashPattern = regexp.MustCompile(`^[0-9A-F]{14}-[0-9A-F]{10}-[0-9A-F]$`)

func IsContentHash(s string) bool {
	return contentHashPattern.MatchString(s)
}

// validateBrackets checks that all brackets in the SMILES string are balanced.
func validateBrackets(smiles string) error {
	var stack []rune
	closers := map[rune]rune{
		')': '(',
		']': '[',
	}

	for _, ch := range smiles {
		switch ch {
		case '(', '[':
			stack = append(stack, ch)
		case ')', ']':
			if len(stack) == 0 || stack[len(stack)-1] != closers[ch] {
				return errors.New(errors.ErrCodeValidationSyntax, "unmatched brackets in structure").
					WithDetail(fmt.Sprintf("smiles=%s", smiles))
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) != 0 {
		return errors.New(errors.ErrCodeValidationSyntax, "unclosed brackets in structure").
			WithDetail(fmt.Sprintf("smiles=%s", smiles))
	}

	return nil
}

// validateRingClosures checks that each ring-closure digit opens and closes
// exactly once.  %NN two-digit closures are treated as a single label.
func validateRingClosures(smiles string) error {
	open := map[string]int{}
	for i := 0; i < len(smiles); i++ {
		ch := smiles[i]
		var label string
		switch {
		case ch == '%' && i+2 < len(smiles) && isDigit(smiles[i+1]) && isDigit(smiles[i+2]):
			label = smiles[i+1 : i+3]
			i += 2
		case isDigit(ch) && !insideBracketAtom(smiles, i):
			label = string(ch)
		default:
			continue
		}
		open[label]++
	}

	for label, count := range open {
		if count%2 != 0 {
			return errors.New(errors.ErrCodeValidationSyntax, "unpaired ring closure in structure").
				WithDetail(fmt.Sprintf("ring=%s", label))
		}
	}
	return nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// insideBracketAtom reports whether position i falls inside a [...] bracket
// atom, where digits denote isotopes or hydrogen counts rather than ring bonds.
func insideBracketAtom(smiles string, i int) bool {
	depth := 0
	for j := 0; j < i; j++ {
		switch smiles[j] {
		case '[':
			depth++
		case ']':
			depth--
		}
	}
	return depth > 0
}

// normalize produces the canonical rendering of validated notation.  The
// current implementation strips chemically-insignificant whitespace and
// normalises ring-closure labels to their order of first appearance, which is
// enough to make trivially re-numbered inputs converge.
func normalize(smiles string) string {
	var sb strings.Builder
	sb.Grow(len(smiles))

	ringMap := map[string]string{}
	nextRing := 1

	mapRing := func(label string) string {
		if mapped, ok := ringMap[label]; ok {
			delete(ringMap, label) // closure consumed; label may be reused later
			return mapped
		}
		mapped := fmt.Sprintf("%d", nextRing)
		if nextRing > 9 {
			mapped = "%" + fmt.Sprintf("%02d", nextRing)
		}
		ringMap[label] = mapped
		nextRing++
		return mapped
	}

	for i := 0; i < len(smiles); i++ {
		ch := smiles[i]
		switch {
		case ch == ' ' || ch == '\t':
			continue
		case ch == '%' && i+2 < len(smiles) && isDigit(smiles[i+1]) && isDigit(smiles[i+2]):
			sb.WriteString(mapRing(smiles[i+1 : i+3]))
			i += 2
		case isDigit(ch) && !insideBracketAtom(smiles, i):
			sb.WriteString(mapRing(string(ch)))
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String()
}

// twoLetterElements lists organic-subset and common bracket elements whose
// symbols span two characters; the scanner must not split them.
var twoLetterElements = map[string]bool{
	"Cl": true, "Br": true, "Si": true, "Se": true, "Na": true, "Li": true,
	"Mg": true, "Ca": true, "Fe": true, "Zn": true, "Cu": true, "Sn": true,
}

// ParseAtoms extracts the atom symbol sequence from a SMILES string, in
// notation order.  Aromatic (lowercase) atoms keep their case so that
// aromaticity survives into descriptor and fingerprint computation.
func ParseAtoms(smiles string) []string {
	var atoms []string
	for i := 0; i < len(smiles); i++ {
		ch := smiles[i]
		if ch == '[' {
			// Bracket atom: capture the element symbol after optional isotope.
			j := i + 1
			for j < len(smiles) && isDigit(smiles[j]) {
				j++
			}
			if j < len(smiles) && isUpper(smiles[j]) {
				sym := string(smiles[j])
				if j+1 < len(smiles) && isLower(smiles[j+1]) && twoLetterElements[sym+string(smiles[j+1])] {
					sym += string(smiles[j+1])
				}
				atoms = append(atoms, sym)
			} else if j < len(smiles) && isLower(smiles[j]) {
				atoms = append(atoms, string(smiles[j]))
			}
			// Skip to closing bracket.
			for i < len(smiles) && smiles[i] != ']' {
				i++
			}
			continue
		}
		if isUpper(ch) {
			sym := string(ch)
			if i+1 < len(smiles) && isLower(smiles[i+1]) && twoLetterElements[sym+string(smiles[i+1])] {
				sym += string(smiles[i+1])
				i++
			}
			atoms = append(atoms, sym)
			continue
		}
		// Aromatic organic-subset atoms.
		switch ch {
		case 'b', 'c', 'n', 'o', 'p', 's':
			atoms = append(atoms, string(ch))
		}
	}
	return atoms
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }
func isLower(b byte) bool { return b >= 'a' && b <= 'z' }
