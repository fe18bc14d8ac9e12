package chem

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/molforge/molforge/pkg/errors"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// Fingerprint is a fixed-length bit vector encoding structural features.
// Bits is packed MSB-first within each byte.
type Fingerprint struct {
	Type      moltypes.FingerprintType
	Bits      []byte
	Length    int
	NumOnBits int
}

// Default fingerprint dimensions.
const (
	MorganBits      = 2048
	MorganRadius    = 2
	MACCSBits       = 166
	TopologicalBits = 1024
	topoMaxPathLen  = 7
)

// NewFingerprint wraps raw bits into a Fingerprint, computing the on-bit count.
func NewFingerprint(fpType moltypes.FingerprintType, bitData []byte, length int) *Fingerprint {
	numOn := 0
	for _, b := range bitData {
		numOn += bits.OnesCount8(b)
	}
	return &Fingerprint{
		Type:      fpType,
		Bits:      bitData,
		Length:    length,
		NumOnBits: numOn,
	}
}

// GetBit returns the bit at position pos, or false when out of range.
func (f *Fingerprint) GetBit(pos int) bool {
	if pos < 0 || pos >= f.Length {
		return false
	}
	return f.Bits[pos/8]&(1<<(7-uint(pos%8))) != 0
}

// SetBit sets the bit at position pos, updating the on-bit count.
func (f *Fingerprint) SetBit(pos int) {
	if pos < 0 || pos >= f.Length {
		return
	}
	byteIdx := pos / 8
	mask := byte(1 << (7 - uint(pos%8)))
	if f.Bits[byteIdx]&mask == 0 {
		f.Bits[byteIdx] |= mask
		f.NumOnBits++
	}
}

// Compute produces the fingerprint of the requested type for a canonical
// SMILES string.
func Compute(fpType moltypes.FingerprintType, canonicalSMILES string) (*Fingerprint, error) {
	switch fpType {
	case moltypes.FPMorgan:
		return computeMorgan(canonicalSMILES, MorganRadius, MorganBits)
	case moltypes.FPMACCS:
		return computeMACCS(canonicalSMILES)
	case moltypes.FPTopological:
		return computeTopological(canonicalSMILES, TopologicalBits)
	default:
		return nil, errors.New(errors.ErrCodeFingerprintFailed, "unsupported fingerprint type").
			WithDetail(fmt.Sprintf("type=%s", fpType))
	}
}

// computeMorgan builds a circular (ECFP-style) fingerprint: each atom's local
// environment up to the given radius is hashed onto the bit vector.
func computeMorgan(smiles string, radius, nBits int) (*Fingerprint, error) {
	atoms := ParseAtoms(smiles)
	if len(atoms) == 0 {
		return nil, errors.New(errors.ErrCodeFingerprintFailed, "no atoms to fingerprint")
	}

	fp := NewFingerprint(moltypes.FPMorgan, make([]byte, (nBits+7)/8), nBits)

	for i := range atoms {
		for r := 0; r <= radius; r++ {
			env := atomEnvironment(atoms, i, r)
			fp.SetBit(int(hashFeature(env) % uint64(nBits)))
		}
	}
	return fp, nil
}

// atomEnvironment renders the neighbourhood of atom i within the given radius
// along the notation order.  A true graph walk needs a bond table; the linear
// approximation keeps fingerprints deterministic and cheap.
func atomEnvironment(atoms []string, center, radius int) string {
	lo := center - radius
	if lo < 0 {
		lo = 0
	}
	hi := center + radius + 1
	if hi > len(atoms) {
		hi = len(atoms)
	}
	return fmt.Sprintf("r%d:%s", radius, strings.Join(atoms[lo:hi], ""))
}

// maccsPatterns maps structural fragments to their assigned MACCS key bit.
// This is a representative subset of the 166-key dictionary; bit positions
// beyond the table are filled from atom-count features.
var maccsPatterns = map[string]int{
	"c1ccccc1": 162, // benzene
	"C=O":      153, // carbonyl
	"C(=O)O":   157, // carboxyl
	"C(=O)N":   160, // amide
	"N":        161, // nitrogen present
	"O":        164, // oxygen present
	"S":        88,  // sulfur present
	"Cl":       103, // chlorine present
	"Br":       46,  // bromine present
	"F":        134, // fluorine present
	"I":        27,  // iodine present
	"C#N":      95,  // nitrile
	"N=O":      105, // nitroso/nitro fragment
	"OC":       84,  // ether linkage
	"NC":       109, // amine linkage
	"C=C":      140, // alkene
	"C#C":      99,  // alkyne
}

// computeMACCS builds the 166-bit MACCS-style key fingerprint.
func computeMACCS(smiles string) (*Fingerprint, error) {
	atoms := ParseAtoms(smiles)
	if len(atoms) == 0 {
		return nil, errors.New(errors.ErrCodeFingerprintFailed, "no atoms to fingerprint")
	}

	fp := NewFingerprint(moltypes.FPMACCS, make([]byte, (MACCSBits+7)/8), MACCSBits)

	for pattern, bit := range maccsPatterns {
		if strings.Contains(smiles, pattern) {
			fp.SetBit(bit)
		}
	}

	// Size-class keys.
	switch {
	case len(atoms) > 30:
		fp.SetBit(52)
	case len(atoms) > 15:
		fp.SetBit(51)
	default:
		fp.SetBit(50)
	}

	aromatic := 0
	for _, a := range atoms {
		if isLower(a[0]) {
			aromatic++
		}
	}
	if aromatic > 0 {
		fp.SetBit(125)
	}
	if aromatic >= 6 {
		fp.SetBit(145)
	}

	return fp, nil
}

// computeTopological builds a path-based (Daylight-style) fingerprint from
// linear atom paths of length 1..topoMaxPathLen.
func computeTopological(smiles string, nBits int) (*Fingerprint, error) {
	atoms := ParseAtoms(smiles)
	if len(atoms) == 0 {
		return nil, errors.New(errors.ErrCodeFingerprintFailed, "no atoms to fingerprint")
	}

	fp := NewFingerprint(moltypes.FPTopological, make([]byte, (nBits+7)/8), nBits)

	for pathLen := 1; pathLen <= topoMaxPathLen; pathLen++ {
		for start := 0; start+pathLen <= len(atoms); start++ {
			path := strings.Join(atoms[start:start+pathLen], "-")
			fp.SetBit(int(hashFeature(path) % uint64(nBits)))
		}
	}
	return fp, nil
}

// hashFeature maps a structural feature string onto a 64-bit hash value.
func hashFeature(feature string) uint64 {
	sum := sha256.Sum256([]byte(feature))
	return binary.BigEndian.Uint64(sum[:8])
}

// Tanimoto computes the Tanimoto similarity coefficient between two
// fingerprints of the same type and length.  It returns an error when the
// fingerprints are not comparable.
func Tanimoto(a, b *Fingerprint) (float64, error) {
	if a == nil || b == nil {
		return 0, errors.New(errors.ErrCodeFingerprintFailed, "cannot compare nil fingerprints")
	}
	if a.Type != b.Type || a.Length != b.Length {
		return 0, errors.New(errors.ErrCodeFingerprintFailed, "fingerprints are not comparable").
			WithDetail(fmt.Sprintf("a=%s/%d b=%s/%d", a.Type, a.Length, b.Type, b.Length))
	}

	var common, union int
	for i := range a.Bits {
		common += bits.OnesCount8(a.Bits[i] & b.Bits[i])
		union += bits.OnesCount8(a.Bits[i] | b.Bits[i])
	}
	if union == 0 {
		return 0, nil
	}
	return float64(common) / float64(union), nil
}
