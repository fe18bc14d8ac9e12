package chem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/errors"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

func TestCompute_AllTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fpType moltypes.FingerprintType
		length int
	}{
		{moltypes.FPMorgan, MorganBits},
		{moltypes.FPMACCS, MACCSBits},
		{moltypes.FPTopological, TopologicalBits},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.fpType), func(t *testing.T) {
			t.Parallel()
			fp, err := Compute(tt.fpType, "CC(=O)Oc1ccccc1C(=O)O")
			require.NoError(t, err)
			assert.Equal(t, tt.fpType, fp.Type)
			assert.Equal(t, tt.length, fp.Length)
			assert.Greater(t, fp.NumOnBits, 0)
		})
	}
}

func TestCompute_UnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := Compute(moltypes.FingerprintType("pharmacophore"), "CCO")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFingerprintFailed))
}

func TestCompute_NoAtoms(t *testing.T) {
	t.Parallel()

	for _, fpType := range []moltypes.FingerprintType{moltypes.FPMorgan, moltypes.FPMACCS, moltypes.FPTopological} {
		_, err := Compute(fpType, "=")
		require.Error(t, err, "type %s", fpType)
		assert.True(t, errors.IsCode(err, errors.ErrCodeFingerprintFailed))
	}
}

func TestCompute_Deterministic(t *testing.T) {
	t.Parallel()

	a, err := Compute(moltypes.FPMorgan, "c1ccccc1O")
	require.NoError(t, err)
	b, err := Compute(moltypes.FPMorgan, "c1ccccc1O")
	require.NoError(t, err)
	assert.Equal(t, a.Bits, b.Bits)
	assert.Equal(t, a.NumOnBits, b.NumOnBits)
}

func TestFingerprint_BitOperations(t *testing.T) {
	t.Parallel()

	fp := NewFingerprint(moltypes.FPMorgan, make([]byte, 4), 32)
	assert.Equal(t, 0, fp.NumOnBits)

	fp.SetBit(0)
	fp.SetBit(7)
	fp.SetBit(31)
	assert.True(t, fp.GetBit(0))
	assert.True(t, fp.GetBit(7))
	assert.True(t, fp.GetBit(31))
	assert.False(t, fp.GetBit(1))
	assert.Equal(t, 3, fp.NumOnBits)

	// Setting an already-set bit does not inflate the count.
	fp.SetBit(0)
	assert.Equal(t, 3, fp.NumOnBits)

	// Out-of-range access is a no-op.
	fp.SetBit(-1)
	fp.SetBit(32)
	assert.False(t, fp.GetBit(-1))
	assert.False(t, fp.GetBit(32))
	assert.Equal(t, 3, fp.NumOnBits)
}

func TestNewFingerprint_CountsOnBits(t *testing.T) {
	t.Parallel()

	fp := NewFingerprint(moltypes.FPMACCS, []byte{0xFF, 0x01, 0x00}, 24)
	assert.Equal(t, 9, fp.NumOnBits)
}

func TestMACCS_KeyBits(t *testing.T) {
	t.Parallel()

	fp, err := Compute(moltypes.FPMACCS, "c1ccccc1")
	require.NoError(t, err)
	assert.True(t, fp.GetBit(162), "benzene key")
	assert.True(t, fp.GetBit(125), "aromatic atom key")
	assert.True(t, fp.GetBit(145), "aromatic ring key")
	assert.True(t, fp.GetBit(50), "small molecule size key")

	fp, err = Compute(moltypes.FPMACCS, "CCO")
	require.NoError(t, err)
	assert.True(t, fp.GetBit(164), "oxygen key")
	assert.False(t, fp.GetBit(162), "no benzene key")
}

func TestTanimoto(t *testing.T) {
	t.Parallel()

	ethanol, err := Compute(moltypes.FPMorgan, "CCO")
	require.NoError(t, err)
	octane, err := Compute(moltypes.FPMorgan, "CCCCCCCC")
	require.NoError(t, err)

	self, err := Tanimoto(ethanol, ethanol)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, self, 1e-9)

	cross, err := Tanimoto(ethanol, octane)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cross, 0.0)
	assert.Less(t, cross, 1.0)
}

func TestTanimoto_Errors(t *testing.T) {
	t.Parallel()

	morgan, err := Compute(moltypes.FPMorgan, "CCO")
	require.NoError(t, err)
	maccs, err := Compute(moltypes.FPMACCS, "CCO")
	require.NoError(t, err)

	_, err = Tanimoto(nil, morgan)
	assert.Error(t, err)

	_, err = Tanimoto(morgan, maccs)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFingerprintFailed))
}

func TestTanimoto_EmptyFingerprints(t *testing.T) {
	t.Parallel()

	a := NewFingerprint(moltypes.FPMorgan, make([]byte, 8), 64)
	b := NewFingerprint(moltypes.FPMorgan, make([]byte, 8), 64)
	sim, err := Tanimoto(a, b)
	require.NoError(t, err)
	assert.Zero(t, sim)
}
