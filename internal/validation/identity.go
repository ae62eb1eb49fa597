package validation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/store"
)

// CheckIdentity enforces pool-id stability against the ledger of published
// identities. A record is dropped when its (chain, contract) was published under
// a different pool id, or when its pool id belongs to another contract. Accepted
// records are written back to the ledger. A ledger failure leaves records
// untouched and is returned so the caller can decide how loudly to complain.
func CheckIdentity(ctx context.Context, ledger store.Ledger, project string, records []model.PoolRecord) ([]model.PoolRecord, []Drop, error) {
	if ledger == nil {
		return records, nil, nil
	}
	published, err := ledger.Published(ctx, project)
	if err != nil {
		return records, nil, fmt.Errorf("load published identities: %w", err)
	}
	owner := make(map[string]store.Key, len(published))
	for k, id := range published {
		owner[id] = k
	}

	valid := make([]model.PoolRecord, 0, len(records))
	var drops []Drop
	var fresh []store.Identity
	for _, r := range records {
		if r.ContractAddress == "" {
			valid = append(valid, r)
			continue
		}
		key := store.NewKey(r.ChainSlug, r.ContractAddress)
		if prev, ok := published[key]; ok && prev != r.PoolID {
			drops = append(drops, drop(r, violation(fmt.Sprintf("pool id changed from published %q", prev))))
			continue
		}
		if k, ok := owner[r.PoolID]; ok && k != key {
			drops = append(drops, drop(r, violation(fmt.Sprintf("pool id already published for %s on %s", k.Address, k.Chain))))
			continue
		}
		if _, ok := published[key]; !ok {
			fresh = append(fresh, store.Identity{Project: project, Key: key, PoolID: r.PoolID})
		}
		valid = append(valid, r)
	}

	if len(fresh) > 0 {
		if err := ledger.Publish(ctx, fresh); err != nil {
			return valid, drops, fmt.Errorf("publish identities: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"project": project,
			"count":   len(fresh),
		}).Info("Recorded new pool identities")
	}
	return valid, drops, nil
}
