// Package wallet implements the two-phase-commit chip ledger described in
// spec.md §4.C, grounded line-for-line on
// original_source/pokerapp/wallet_service.py and the scenarios in
// original_source/tests/test_two_phase_commit.py.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInsufficientFunds is the resource-kind error (spec.md §7) returned by
// Debit when the ledger row cannot cover the requested amount.
var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

// LedgerRepository is the narrow surface the wallet engine depends on,
// matching spec.md §6's three named methods. GetBalance is a plain read;
// Debit/Credit must serialize per (user, chat) row via row-level locking,
// mirroring wallet_service.py's with_for_update() query.
type LedgerRepository interface {
	GetBalance(ctx context.Context, userID, chatID int64) (int64, error)
	Debit(ctx context.Context, userID, chatID, amount int64, metadata map[string]string) error
	Credit(ctx context.Context, userID, chatID, amount int64, metadata map[string]string) error
}

// PgxLedger implements LedgerRepository against a Postgres `players` table
// (user_id, chat_id, chips), row-locked with SELECT ... FOR UPDATE inside
// one transaction per call, the Go analogue of
// wallet_service.py's _deduct_from_wallet/_credit_to_wallet.
type PgxLedger struct {
	pool *pgxpool.Pool
}

// NewPgxLedger wraps an already-configured connection pool.
func NewPgxLedger(pool *pgxpool.Pool) *PgxLedger {
	return &PgxLedger{pool: pool}
}

func (l *PgxLedger) GetBalance(ctx context.Context, userID, chatID int64) (int64, error) {
	var chips int64
	err := l.pool.QueryRow(ctx,
		`SELECT chips FROM players WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	).Scan(&chips)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wallet: get balance: %w", err)
	}
	return chips, nil
}

func (l *PgxLedger) Debit(ctx context.Context, userID, chatID, amount int64, _ map[string]string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("wallet: debit begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var chips int64
	err = tx.QueryRow(ctx,
		`SELECT chips FROM players WHERE user_id = $1 AND chat_id = $2 FOR UPDATE`,
		userID, chatID,
	).Scan(&chips)
	if err != nil {
		return fmt.Errorf("wallet: debit select for update: %w", err)
	}
	if chips < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx,
		`UPDATE players SET chips = chips - $1 WHERE user_id = $2 AND chat_id = $3`,
		amount, userID, chatID,
	); err != nil {
		return fmt.Errorf("wallet: debit update: %w", err)
	}
	return tx.Commit(ctx)
}

func (l *PgxLedger) Credit(ctx context.Context, userID, chatID, amount int64, _ map[string]string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("wallet: credit begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT chips FROM players WHERE user_id = $1 AND chat_id = $2 FOR UPDATE`,
		userID, chatID,
	); err != nil {
		return fmt.Errorf("wallet: credit select for update: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE players SET chips = chips + $1 WHERE user_id = $2 AND chat_id = $3`,
		amount, userID, chatID,
	); err != nil {
		return fmt.Errorf("wallet: credit update: %w", err)
	}
	return tx.Commit(ctx)
}
