package molecule

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoleculeState_IsValid(t *testing.T) {
	tests := []struct {
		state MoleculeState
		want  bool
	}{
		{StateUploaded, true},
		{StateValidated, true},
		{StateInvalid, true},
		{StatePredictionPending, true},
		{StatePredictionReady, true},
		{StatePredictionFailed, true},
		{StateSubmittedForAssay, true},
		{StateResultsAvailable, true},
		{MoleculeState("bogus"), false},
		{MoleculeState(""), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsValid())
		})
	}
}

func TestMoleculeState_IsTerminal(t *testing.T) {
	assert.True(t, StateInvalid.IsTerminal())
	assert.True(t, StateResultsAvailable.IsTerminal())
	assert.False(t, StateUploaded.IsTerminal())
	assert.False(t, StatePredictionFailed.IsTerminal())
	assert.False(t, StateSubmittedForAssay.IsTerminal())
}

func TestObservationSource_IsValid(t *testing.T) {
	assert.True(t, SourceMeasured.IsValid())
	assert.True(t, SourcePredicted.IsValid())
	assert.True(t, SourceImported.IsValid())
	assert.False(t, ObservationSource("guessed").IsValid())
}
