package annualize

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/sampler"
)

func TestLinear_ExchangeRateVault(t *testing.T) {
	// rate moves from 1.000000 to 1.000192 over one day
	got := Linear(1.000192, 1.000000, 1)
	assert.InDelta(t, 7.008, got, 1e-9)
}

func TestCompound_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    float64
		n    float64
	}{
		{"one day", 0.0002, 1},
		{"one week", 0.0015, 7},
		{"thirty days", 0.004, 30},
		{"flat", 0, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := (math.Pow(1+tt.f, 365/tt.n) - 1) * 100
			got := Compound(1+tt.f, 1, tt.n)
			assert.InDelta(t, want, got, 1e-9)
		})
	}
	assert.Zero(t, Compound(1, 1, 7))
}

func TestZeroDenominator(t *testing.T) {
	for _, now := range []float64{0, 1, 1e30, -5, math.Inf(1)} {
		assert.Zero(t, Linear(now, 0, 1))
		assert.Zero(t, Compound(now, 0, 1))
		assert.Zero(t, CompoundWithYear(now, 0, 7, JulianYear))
	}
}

func TestNonFiniteInputs(t *testing.T) {
	assert.Zero(t, Linear(math.NaN(), 1, 1))
	assert.Zero(t, Linear(1, 1, 0))
	assert.Zero(t, Compound(-1, 1, 1))
	// overflow collapses to zero rather than +Inf
	assert.Zero(t, Compound(1e10, 1, 0.001))
}

func TestAnnualize_DispatchesModel(t *testing.T) {
	assert.Equal(t, Linear(1.01, 1, 7), Annualize(ModelLinear, 1.01, 1, 7))
	assert.Equal(t, CompoundWithYear(1.01, 1, 7, JulianYear), Annualize(ModelCompound, 1.01, 1, 7))
}

func TestFeeYield(t *testing.T) {
	assert.InDelta(t, 36.5, FeeYield(1000, 1_000_000, 1), 1e-9)
	assert.Zero(t, FeeYield(1000, 0, 1))
	assert.Zero(t, FeeYield(math.NaN(), 10, 1))
}

func TestParseModel(t *testing.T) {
	m, err := ParseModel("Compound")
	require.NoError(t, err)
	assert.Equal(t, ModelCompound, m)

	m, err = ParseModel("")
	require.NoError(t, err)
	assert.Equal(t, ModelLinear, m)

	_, err = ParseModel("quadratic")
	assert.Error(t, err)
}

func TestFromObservations(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	now := sampler.Observation{Timestamp: at, Raw: big.NewInt(1_000_192), Scale: 6}
	past := sampler.Observation{Timestamp: at.Add(-24 * time.Hour), Raw: big.NewInt(1_000_000), Scale: 6}

	assert.InDelta(t, 7.008, FromObservations(ModelLinear, now, past), 1e-9)

	// same timestamp: zero-length interval
	assert.Zero(t, FromObservations(ModelLinear, now, now))
}
