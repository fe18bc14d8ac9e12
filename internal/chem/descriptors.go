package chem

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/molforge/molforge/pkg/errors"
)

// Descriptors holds the computed physicochemical descriptors for a structure.
// Values are heuristic estimates derived from atom composition; they are
// stable for a given canonical SMILES, which is what the property store
// requires of them.
type Descriptors struct {
	Formula         string  `json:"formula"`
	MolecularWeight float64 `json:"molecular_weight"`
	HeavyAtomCount  int     `json:"heavy_atom_count"`
	AromaticRings   int     `json:"aromatic_rings"`
	RotatableBonds  int     `json:"rotatable_bonds"`
	HBondDonors     int     `json:"h_bond_donors"`
	HBondAcceptors  int     `json:"h_bond_acceptors"`
	TPSA            float64 `json:"tpsa"`
	LogP            float64 `json:"log_p"`
}

// atomicWeights covers the elements the scanner can produce.  Anything outside
// this table makes descriptor computation fail rather than silently miscount.
var atomicWeights = map[string]float64{
	"H": 1.008, "B": 10.81, "C": 12.011, "N": 14.007, "O": 15.999,
	"F": 18.998, "Na": 22.990, "Mg": 24.305, "Si": 28.086, "P": 30.974,
	"S": 32.06, "Cl": 35.45, "Ca": 40.078, "Fe": 55.845, "Cu": 63.546,
	"Zn": 65.38, "Se": 78.971, "Br": 79.904, "Sn": 118.71, "I": 126.904,
	"Li": 6.94,
}

// ComputeDescriptors derives descriptors from a canonical SMILES string.  The
// input should come from Canonicalize; passing unvalidated notation returns
// a descriptor-compute error rather than a panic.
func ComputeDescriptors(canonicalSMILES string) (Descriptors, error) {
	atoms := ParseAtoms(canonicalSMILES)
	if len(atoms) == 0 {
		return Descriptors{}, errors.New(errors.ErrCodeDescriptorComputeFailed, "cannot compute descriptors for empty structure")
	}

	counts := map[string]int{}
	for _, a := range atoms {
		counts[elementSymbol(a)]++
	}

	var weight float64
	for sym, n := range counts {
		w, ok := atomicWeights[sym]
		if !ok {
			return Descriptors{}, errors.New(errors.ErrCodeDescriptorComputeFailed, "unknown element in structure").
				WithDetail(fmt.Sprintf("element=%s", sym))
		}
		weight += w * float64(n)
	}

	aromaticAtoms := 0
	for _, a := range atoms {
		if isLower(a[0]) {
			aromaticAtoms++
		}
	}
	// Six-membered rings dominate drug-like aromatics; the estimate follows.
	aromaticRings := aromaticAtoms / 6

	donors := countHBondDonors(canonicalSMILES)
	acceptors := counts["N"] + counts["O"]
	tpsa := float64(acceptors) * 20.0
	logP := estimateLogP(counts, aromaticRings)

	return Descriptors{
		Formula:         hillFormula(counts),
		MolecularWeight: round2(weight),
		HeavyAtomCount:  len(atoms),
		AromaticRings:   aromaticRings,
		RotatableBonds:  countRotatableBonds(canonicalSMILES),
		HBondDonors:     donors,
		HBondAcceptors:  acceptors,
		TPSA:            round2(tpsa),
		LogP:            round2(logP),
	}, nil
}

// elementSymbol folds aromatic (lowercase) symbols onto their element.
func elementSymbol(atom string) string {
	if len(atom) == 1 && isLower(atom[0]) {
		return strings.ToUpper(atom)
	}
	return atom
}

// hillFormula renders a molecular formula in Hill order: carbon first,
// hydrogen second, all remaining elements alphabetically.
func hillFormula(counts map[string]int) string {
	var sb strings.Builder
	write := func(sym string) {
		n, ok := counts[sym]
		if !ok || n == 0 {
			return
		}
		sb.WriteString(sym)
		if n > 1 {
			sb.WriteString(fmt.Sprintf("%d", n))
		}
	}

	write("C")
	write("H")

	rest := make([]string, 0, len(counts))
	for sym := range counts {
		if sym != "C" && sym != "H" {
			rest = append(rest, sym)
		}
	}
	sort.Strings(rest)
	for _, sym := range rest {
		write(sym)
	}
	return sb.String()
}

// countHBondDonors counts explicit O-H and N-H groups in bracket atoms plus
// unbracketed hydroxyl oxygens.  It undercounts implicit hydrogens by design;
// the value is a screening heuristic, not a protonation model.
func countHBondDonors(smiles string) int {
	donors := 0
	donors += strings.Count(smiles, "[OH]")
	donors += strings.Count(smiles, "[NH]")
	donors += strings.Count(smiles, "[NH2]")
	donors += strings.Count(smiles, "[NH3+]")
	donors += strings.Count(smiles, "[nH]")
	// Terminal hydroxyls written without brackets: "O" at string end after a
	// non-ring context, e.g. "CCO".
	if strings.HasSuffix(smiles, "O") && !strings.HasSuffix(smiles, "=O") {
		donors++
	}
	return donors
}

// countRotatableBonds estimates rotatable bonds as single bonds between
// non-terminal chain atoms, excluding ring and multiple bonds.
func countRotatableBonds(smiles string) int {
	atoms := ParseAtoms(smiles)
	if len(atoms) < 3 {
		return 0
	}
	// Chain bonds minus terminal bonds minus explicit multiple bonds.
	rot := len(atoms) - 3 - strings.Count(smiles, "=") - strings.Count(smiles, "#")
	if rot < 0 {
		return 0
	}
	return rot
}

// estimateLogP applies a crude additive model: carbons and halogens raise
// lipophilicity, heteroatoms lower it, aromatic rings add half a log unit.
func estimateLogP(counts map[string]int, aromaticRings int) float64 {
	logP := 0.3 * float64(counts["C"])
	logP += 0.5 * float64(aromaticRings)
	logP += 0.7 * float64(counts["Cl"]+counts["Br"]+counts["I"]+counts["F"])
	logP -= 0.6 * float64(counts["O"])
	logP -= 0.5 * float64(counts["N"])
	return logP
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
