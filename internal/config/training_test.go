package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/ms2sim/internal/domain"
)

func TestFlowParamsValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(p *FlowParams)
		wantErr bool
	}{
		{name: "defaults", mutate: func(p *FlowParams) {}},
		{name: "mixed case ion mode", mutate: func(p *FlowParams) { p.IonMode = "Negative" }},
		{name: "unknown ion mode", mutate: func(p *FlowParams) { p.IonMode = "neutral" }, wantErr: true},
		{name: "unknown dataset", mutate: func(p *FlowParams) { p.DatasetID = "huge" }, wantErr: true},
		{name: "zero chunk size", mutate: func(p *FlowParams) { p.ChunkSize = 0 }, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultFlowParams("small")
			tc.mutate(&p)
			err := p.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFlowParamsValidateNormalisesIonMode(t *testing.T) {
	p := DefaultFlowParams("10k")
	p.IonMode = "NEGATIVE"
	require.NoError(t, p.Validate())
	assert.Equal(t, domain.IonModeNegative, p.IonMode)
}

func TestValidateRatios(t *testing.T) {
	assert.NoError(t, ValidateRatios(0.9, 0.05, 0.05))
	assert.NoError(t, ValidateRatios(1, 0, 0))
	assert.ErrorIs(t, ValidateRatios(0.8, 0.1, 0.2), domain.ErrValidation)
	assert.ErrorIs(t, ValidateRatios(0, 0.5, 0.5), domain.ErrValidation)
}

func TestMS2DeepScoreParamsValidate(t *testing.T) {
	p := DefaultMS2DeepScoreParams("small")
	require.NoError(t, p.Validate())

	p.Epochs = 0
	assert.ErrorIs(t, p.Validate(), domain.ErrValidation)
}

func TestSpec2VecParamsValidate(t *testing.T) {
	p := DefaultSpec2VecParams("small_500")
	require.NoError(t, p.Validate())

	p.AllowedMissingPercentage = 150
	assert.ErrorIs(t, p.Validate(), domain.ErrValidation)
}
