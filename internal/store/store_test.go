package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/yield-adapters/internal/types"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	got, err := l.Published(ctx, "aave-v3")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, l.Publish(ctx, []Identity{
		{Project: "aave-v3", Key: NewKey(types.ChainEthereum, "0xABC"), PoolID: "0xabc-ethereum"},
	}))
	// republishing never rebinds
	require.NoError(t, l.Publish(ctx, []Identity{
		{Project: "aave-v3", Key: NewKey(types.ChainEthereum, "0xabc"), PoolID: "something-else"},
	}))

	got, err = l.Published(ctx, "aave-v3")
	require.NoError(t, err)
	assert.Equal(t, map[Key]string{NewKey(types.ChainEthereum, "0xabc"): "0xabc-ethereum"}, got)

	other, err := l.Published(ctx, "compound")
	require.NoError(t, err)
	assert.Empty(t, other)
}
