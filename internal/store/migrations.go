package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS pool_identities (
    project TEXT NOT NULL,
    chain TEXT NOT NULL,
    contract_address TEXT NOT NULL,
    pool_id TEXT NOT NULL,
    first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (project, chain, contract_address)
);

CREATE UNIQUE INDEX IF NOT EXISTS pool_identities_pool_id_idx ON pool_identities (pool_id);
`

// Migrate creates the ledger schema if it does not exist
func (s *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}
