package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want SupportedChain
	}{
		{"slug", "ethereum", ChainEthereum},
		{"display name", "Arbitrum", ChainArbitrum},
		{"alias", "binance", ChainBSC},
		{"numeric id", "8453", ChainBase},
		{"padded upper case", "  POLYGON ", ChainPolygon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Lookup(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Slug)
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("solana")
	assert.Error(t, err)
}

func TestBlocksPerYear(t *testing.T) {
	eth := MustLookup("ethereum")
	assert.InDelta(t, 2_628_000, eth.BlocksPerYear(), 1e-6)
	assert.Equal(t, "Ethereum", eth.DisplayName)

	assert.Zero(t, ChainInfo{}.BlocksPerYear())
}

func TestAll_ReturnsCopy(t *testing.T) {
	chains := All()
	require.NotEmpty(t, chains)
	chains[0].DisplayName = "mutated"
	assert.Equal(t, "Ethereum", MustLookup("ethereum").DisplayName)
}
