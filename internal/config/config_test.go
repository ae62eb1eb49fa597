package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/annualize"
	"github.com/yourorg/yield-adapters/internal/types"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, 5, cfg.RewardBatchSize)
	assert.Equal(t, "none", cfg.APYSmoothing)
	assert.Equal(t, 5*time.Minute, cfg.PriceCacheTTL)
	assert.False(t, cfg.OutlierDetection)
	assert.Equal(t, 1.5, cfg.OutlierIQRMultiplier)
}

func TestLoad_OutlierDetection(t *testing.T) {
	tests := []struct {
		name       string
		detection  string
		multiplier string
		wantOn     bool
		wantMult   float64
	}{
		{"enabled with multiplier", "true", "3", true, 3},
		{"garbage falls back", "maybe", "x", false, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OUTLIER_DETECTION", tt.detection)
			t.Setenv("OUTLIER_IQR_MULTIPLIER", tt.multiplier)
			cfg := Load()
			assert.Equal(t, tt.wantOn, cfg.OutlierDetection)
			assert.Equal(t, tt.wantMult, cfg.OutlierIQRMultiplier)
		})
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RETRY_MAX", "5")
	t.Setenv("REWARD_RPS", "2.5")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("APY_SMOOTHING", "Median")
	t.Setenv("RPC_ETHEREUM", "http://localhost:8545")
	t.Setenv("RPC_BASE", "  ")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5, cfg.RetryMax)
	assert.Equal(t, 2.5, cfg.RewardRPS)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "median", cfg.APYSmoothing)
	assert.Equal(t, map[types.SupportedChain]string{types.ChainEthereum: "http://localhost:8545"}, cfg.RPCEndpoints)
}

func TestEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_FLOAT", "1.x")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_BOOL", "yes please")

	assert.Equal(t, 7, GetEnvAsInt("X_INT", 7))
	assert.Equal(t, 1.5, GetEnvAsFloat("X_FLOAT", 1.5))
	assert.Equal(t, time.Second, GetEnvAsDuration("X_DUR", time.Second))
	assert.True(t, GetEnvAsBool("X_BOOL", true))
}

const validAdapters = `
adapters:
  - project: acme-lend
    kind: lending
    url: https://app.acme.fi
    rewards: true
    chains:
      - chain: Ethereum
        data_provider: "0x7B4EB56E7CD4b454BA8ff71E4518426369a138a3"
        legacy_ids:
          "0xABC0000000000000000000000000000000000001": legacy-usdc
  - project: acme-vaults
    kind: vault
    chains:
      - chain: "42161"
        vaults:
          - address: "0x0000000000000000000000000000000000000002"
            model: compound
          - address: "0x0000000000000000000000000000000000000003"
  - project: acme-swap
    kind: amm
    chains:
      - chain: base
        subgraph: ${SUBGRAPH_HOST}/acme
  - project: acme-stake
    kind: staking
    chains:
      - chain: optimism
        api: https://api.acme.fi/staking
`

func TestLoadAdapters(t *testing.T) {
	t.Setenv("SUBGRAPH_HOST", "https://graph.example")

	f, err := LoadAdaptersFromReader(strings.NewReader(validAdapters))
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-lend", "acme-vaults", "acme-swap", "acme-stake"}, f.Projects())

	lend, ok := f.Find("acme-lend")
	require.True(t, ok)
	assert.Equal(t, types.ChainEthereum, lend.Chains[0].Slug)
	assert.Equal(t, "legacy-usdc", lend.Chains[0].LegacyIDs["0xabc0000000000000000000000000000000000001"])

	vaults, _ := f.Find("acme-vaults")
	assert.Equal(t, types.ChainArbitrum, vaults.Chains[0].Slug)
	assert.Equal(t, annualize.ModelCompound, vaults.Chains[0].Vaults[0].Parsed)
	assert.Equal(t, annualize.ModelLinear, vaults.Chains[0].Vaults[1].Parsed)

	swap, _ := f.Find("acme-swap")
	assert.Equal(t, "https://graph.example/acme", swap.Chains[0].Subgraph)

	_, ok = f.Find("missing")
	assert.False(t, ok)
}

func TestLoadAdapters_ShippedFile(t *testing.T) {
	f, err := LoadAdapters("../../configs/adapters.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"aave-v3", "morpho-vaults", "uniswap-v3", "lido-staking"}, f.Projects())
}

func TestLoadAdapters_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "adapters: []", "no adapters"},
		{"bad project", "adapters:\n  - project: Acme Lend\n    kind: amm\n    chains: [{chain: base, subgraph: x}]", "lower-case slug"},
		{"duplicate project", "adapters:\n  - {project: a, kind: amm, chains: [{chain: base, subgraph: x}]}\n  - {project: a, kind: amm, chains: [{chain: base, subgraph: x}]}", "declared twice"},
		{"unknown chain", "adapters:\n  - {project: a, kind: amm, chains: [{chain: narnia, subgraph: x}]}", "unknown chain"},
		{"unknown kind", "adapters:\n  - {project: a, kind: perps, chains: [{chain: base}]}", "unknown adapter kind"},
		{"no chains", "adapters:\n  - {project: a, kind: amm}", "no chains"},
		{"bad provider", "adapters:\n  - {project: a, kind: lending, chains: [{chain: base, data_provider: nope}]}", "not an address"},
		{"no vaults", "adapters:\n  - {project: a, kind: vault, chains: [{chain: base}]}", "no vaults"},
		{"bad model", "adapters:\n  - {project: a, kind: vault, chains: [{chain: base, vaults: [{address: '0x0000000000000000000000000000000000000002', model: weekly}]}]}", "compounding model"},
		{"missing api", "adapters:\n  - {project: a, kind: staking, chains: [{chain: base}]}", "api endpoint"},
		{"duplicate chain", "adapters:\n  - {project: a, kind: amm, chains: [{chain: base, subgraph: x}, {chain: '8453', subgraph: y}]}", "declared twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAdaptersFromReader(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
