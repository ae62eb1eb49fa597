package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/yield-adapters/internal/model"
	"github.com/yourorg/yield-adapters/internal/types"
)

// PostgreSQL error codes
const pgErrUniqueViolation = "23505"

// PostgresLedger is a Ledger backed by the pool_identities table
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects to databaseURL and verifies the connection
func NewPostgresLedger(ctx context.Context, databaseURL string) (*PostgresLedger, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// Close releases the connection pool
func (s *PostgresLedger) Close() { s.pool.Close() }

// Ping checks the database connection
func (s *PostgresLedger) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Published implements Ledger
func (s *PostgresLedger) Published(ctx context.Context, project string) (map[Key]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chain, contract_address, pool_id FROM pool_identities WHERE project = $1`, project)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	out := make(map[Key]string)
	for rows.Next() {
		var chain, address, poolID string
		if err := rows.Scan(&chain, &address, &poolID); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out[NewKey(types.SupportedChain(chain), address)] = poolID
	}
	return out, rows.Err()
}

// Publish implements Ledger. The pool id of an existing binding is never updated;
// only last_seen moves.
func (s *PostgresLedger) Publish(ctx context.Context, ids []Identity) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range ids {
		k := NewKey(id.Chain, id.Address)
		batch.Queue(`
			INSERT INTO pool_identities (project, chain, contract_address, pool_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project, chain, contract_address) DO UPDATE
				SET last_seen = now()`,
			id.Project, string(k.Chain), k.Address, id.PoolID)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ids {
		if _, err := br.Exec(); err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("%w: pool id already bound to another contract: %v", model.ErrInvariantViolation, err)
			}
			return fmt.Errorf("publish identities: %w", err)
		}
	}
	return nil
}

// isDuplicateKeyError checks if error is a unique constraint violation
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
