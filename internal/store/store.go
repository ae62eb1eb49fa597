// Package store keeps the ledger of published pool identities, so a pool id
// that has been emitted once is never silently reassigned.
package store

import (
	"context"
	"strings"
	"sync"

	"github.com/yourorg/yield-adapters/internal/types"
)

// Key identifies a pool by where it lives
type Key struct {
	Chain   types.SupportedChain
	Address string
}

// NewKey normalizes chain and address into a Key
func NewKey(chain types.SupportedChain, address string) Key {
	return Key{Chain: chain, Address: strings.ToLower(address)}
}

// Identity is one published (project, chain, contract) -> pool id binding
type Identity struct {
	Project string
	Key
	PoolID string
}

// Ledger records pool identities per project
type Ledger interface {
	// Published returns every identity previously published for project
	Published(ctx context.Context, project string) (map[Key]string, error)
	// Publish records identities. Existing bindings keep their original pool id.
	Publish(ctx context.Context, ids []Identity) error
}

// MemoryLedger is a process-local Ledger
type MemoryLedger struct {
	mu   sync.RWMutex
	data map[string]map[Key]string
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{data: make(map[string]map[Key]string)}
}

// Published implements Ledger
func (m *MemoryLedger) Published(_ context.Context, project string) (map[Key]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Key]string, len(m.data[project]))
	for k, v := range m.data[project] {
		out[k] = v
	}
	return out, nil
}

// Publish implements Ledger
func (m *MemoryLedger) Publish(_ context.Context, ids []Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		p, ok := m.data[id.Project]
		if !ok {
			p = make(map[Key]string)
			m.data[id.Project] = p
		}
		k := NewKey(id.Chain, id.Address)
		if _, exists := p[k]; !exists {
			p[k] = id.PoolID
		}
	}
	return nil
}
