package tvl

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/types"
)

type staticPrices map[string]float64

func (s staticPrices) Prices(_ context.Context, _ types.SupportedChain, addrs []string) (map[string]fetch.Price, error) {
	out := map[string]fetch.Price{}
	for _, a := range addrs {
		if p, ok := s[a]; ok {
			out[a] = fetch.Price{Price: p}
		}
	}
	return out, nil
}

type failingPrices struct{}

func (failingPrices) Prices(context.Context, types.SupportedChain, []string) (map[string]fetch.Price, error) {
	return nil, errors.New("coins api down")
}

func TestSum(t *testing.T) {
	tests := []struct {
		name    string
		legs    []Leg
		prices  map[string]float64
		want    float64
		wantErr bool
	}{
		{
			name:   "six decimal stablecoin",
			legs:   []Leg{RawLeg("0xUSDC", big.NewInt(1_000_000), 6)},
			prices: map[string]float64{"0xusdc": 1.0},
			want:   1.0,
		},
		{
			name: "two legs",
			legs: []Leg{
				RawLeg("0xusdc", big.NewInt(2_500_000), 6),
				RawLeg("0xweth", new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), 18),
			},
			prices: map[string]float64{"0xusdc": 1.0, "0xweth": 3000},
			want:   3002.5,
		},
		{
			name: "one leg unpriced",
			legs: []Leg{
				RawLeg("0xusdc", big.NewInt(2_500_000), 6),
				RawLeg("0xweth", big.NewInt(1), 18),
			},
			prices:  map[string]float64{"0xusdc": 1.0},
			wantErr: true,
		},
		{
			name:    "infinite price",
			legs:    []Leg{RawLeg("0xa", big.NewInt(1), 0)},
			prices:  map[string]float64{"0xa": math.Inf(1)},
			wantErr: true,
		},
		{
			name:    "nan price",
			legs:    []Leg{RawLeg("0xa", big.NewInt(1), 0)},
			prices:  map[string]float64{"0xa": math.NaN()},
			wantErr: true,
		},
		{
			name:   "no legs",
			prices: map[string]float64{},
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sum(tt.legs, tt.prices)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrUnresolvedPrice)
				assert.Zero(t, got)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestAmountLeg(t *testing.T) {
	leg, err := AmountLeg("0xABC", "1234.5")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", leg.Token)
	assert.Equal(t, "1234.5", leg.Amount.String())

	_, err = AmountLeg("0xabc", "lots")
	assert.Error(t, err)
}

func TestAssembler(t *testing.T) {
	a := NewAssembler(staticPrices{"0xusdc": 1.0})

	v, err := a.Assemble(context.Background(), types.ChainEthereum, []Leg{RawLeg("0xusdc", big.NewInt(1_000_000), 6)})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-12)

	// sole underlying unpriced: TVL collapses to 0
	v, err = a.Assemble(context.Background(), types.ChainEthereum, []Leg{RawLeg("0xdai", big.NewInt(1_000_000), 18)})
	assert.ErrorIs(t, err, model.ErrUnresolvedPrice)
	assert.Zero(t, v)

	_, err = NewAssembler(failingPrices{}).Assemble(context.Background(), types.ChainEthereum, []Leg{RawLeg("0xusdc", big.NewInt(1), 6)})
	assert.ErrorContains(t, err, "coins api down")
}

func TestFromShares(t *testing.T) {
	supply := new(big.Int).Mul(big.NewInt(1000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	assert.InDelta(t, 1050*2.0, FromShares(supply, 18, 1.05, 2.0), 1e-9)

	tests := []struct {
		name         string
		exchangeRate float64
		price        float64
	}{
		{"zero price", 1.05, 0},
		{"nan exchange rate", math.NaN(), 1},
		{"infinite exchange rate", math.Inf(1), 1},
		{"nan price", 1, math.NaN()},
		{"negative infinite price", 1, math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Zero(t, FromShares(big.NewInt(1_000_000), 6, tt.exchangeRate, tt.price))
			})
		})
	}
}
