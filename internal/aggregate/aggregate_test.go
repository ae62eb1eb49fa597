package aggregate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/model"
)

func TestPolicy_Apply(t *testing.T) {
	windows := []WindowAPY{
		{Days: 7, APY: 4.0},
		{Days: 1, APY: 10.0},
		{Days: 30, APY: 1.0},
	}

	tests := []struct {
		name   string
		policy Policy
		tvl    float64
		want   float64
	}{
		{name: "none keeps 1d", policy: Policy{Mode: ModeNone}, tvl: 1e6, want: 10.0},
		{name: "mean", policy: Policy{Mode: ModeMean}, tvl: 1e6, want: 5.0},
		{name: "median", policy: Policy{Mode: ModeMedian}, tvl: 1e6, want: 4.0},
		{name: "weighted by days", policy: Policy{Mode: ModeWeighted}, tvl: 1e6, want: (10.0 + 28.0 + 30.0) / 38.0},
		{name: "small pool uses longest window", policy: Policy{Mode: ModeNone, MinTVLUSD: 1e5}, tvl: 5e4, want: 1.0},
		{name: "large pool passes gate", policy: Policy{Mode: ModeNone, MinTVLUSD: 1e5}, tvl: 2e5, want: 10.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.policy.Apply(windows, tt.tvl)
			require.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPolicy_ApplySkipsUnusableWindows(t *testing.T) {
	p := Policy{Mode: ModeMean}
	got, ok := p.Apply([]WindowAPY{{Days: 1, APY: math.NaN()}, {Days: 7, APY: 3}, {Days: 0, APY: 100}}, 1e6)
	require.True(t, ok)
	assert.Equal(t, 3.0, got)

	_, ok = p.Apply(nil, 1e6)
	assert.False(t, ok)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeNone, "none": ModeNone, "Mean": ModeMean, "median": ModeMedian, "weighted": ModeWeighted} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, want, mustParse(t, got.String()))
	}
	_, err := ParseMode("ewma")
	assert.Error(t, err)
}

func mustParse(t *testing.T, s string) Mode {
	t.Helper()
	m, err := ParseMode(s)
	require.NoError(t, err)
	return m
}

func TestSummarize(t *testing.T) {
	records := []model.PoolRecord{
		{TVLUSD: 1000, APYBase: model.Float(5)},
		{TVLUSD: 3000, APYBase: model.Float(1), APYReward: model.Float(1)},
		{TVLUSD: 0, APYBase: model.Float(50)},
		{TVLUSD: 500, APY: model.Float(8), APYBase: model.Float(1)},
	}
	s := Summarize(records)
	assert.Equal(t, 4, s.Pools)
	assert.Equal(t, 4500.0, s.TVLUSD)
	assert.InDelta(t, (5*1000+2*3000+8*500)/4500.0, s.WeightedAPY, 1e-9)
	assert.Equal(t, 5.0, s.MedianAPY)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestMedian(t *testing.T) {
	in := []float64{3, 1, 2, 4}
	assert.Equal(t, 2.5, median(in))
	assert.Equal(t, []float64{3, 1, 2, 4}, in, "input must not be reordered")
	assert.Zero(t, median(nil))
}
