// Package housepool tracks the operator-funded balance that backs every
// payout across all rounds. Every mutation rides inside the same durable
// transaction as the Bet/Transaction row it accompanies, so the pool never
// drifts out of sync with the bets it is paying.
package housepool

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the named house pool row does not exist.
var ErrNotFound = errors.New("housepool: not found")

// State is a point-in-time read of a pool row.
type State struct {
	Asset        string
	BalanceCents int64
	Version      int64
}

// Service is the narrow surface RoundEngine and SettlementService use to
// move money in and out of the house's bankroll.
type Service interface {
	// Get reads the current balance for asset.
	Get(ctx context.Context, asset string) (State, error)

	// ApplyDelta adjusts asset's balance by deltaCents (positive by the stake
	// when a real-money bet is placed, negative on payout or refund) using
	// the caller's transaction, so the write commits atomically with
	// whatever bet/transaction row triggered it. version is incremented in
	// the same UPDATE, so concurrent callers (bet intake and the settlement
	// worker) are serialized by the row lock and each reads back its own
	// balance and version.
	ApplyDelta(ctx context.Context, tx pgx.Tx, asset string, deltaCents int64) (State, error)

	// EnsureSeeded inserts a starting balance row for asset if one does not
	// already exist. Called once at engine startup.
	EnsureSeeded(ctx context.Context, asset string, startingBalanceCents int64) error
}

type service struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) Service {
	return &service{pool: pool}
}

func (s *service) Get(ctx context.Context, asset string) (State, error) {
	var st State
	st.Asset = asset
	row := s.pool.QueryRow(ctx,
		`SELECT balance_cents, version FROM house_pool WHERE asset = $1`, asset)
	if err := row.Scan(&st.BalanceCents, &st.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("housepool get: %w", err)
	}
	return st, nil
}

func (s *service) ApplyDelta(ctx context.Context, tx pgx.Tx, asset string, deltaCents int64) (State, error) {
	var st State
	st.Asset = asset
	row := tx.QueryRow(ctx, `
		UPDATE house_pool
		SET balance_cents = balance_cents + $2, version = version + 1, updated_at = now()
		WHERE asset = $1
		RETURNING balance_cents, version`, asset, deltaCents)
	if err := row.Scan(&st.BalanceCents, &st.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf("housepool apply delta: %w", err)
	}
	return st, nil
}

func (s *service) EnsureSeeded(ctx context.Context, asset string, startingBalanceCents int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO house_pool (asset, balance_cents, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (asset) DO NOTHING`, asset, startingBalanceCents)
	if err != nil {
		return fmt.Errorf("housepool seed: %w", err)
	}
	return nil
}
