// Package ledger owns every balance mutation in the engine. All writes go
// through pgx inside a durable transaction; Redis never holds money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var (
	// ErrUserNotFound maps the durable store's not-found condition, the
	// equivalent of a P2025 record-not-found error.
	ErrUserNotFound = errors.New("ledger: user not found")

	// ErrInsufficientBalance is returned by ConditionalChangeBalance when
	// the gated UPDATE affects zero rows because the balance is too low.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Transaction types recorded on every non-play balance mutation.
const (
	TxnBet      = "BET"
	TxnWin      = "WIN"
	TxnRecharge = "RECHARGE"
	TxnAdjust   = "ADJUST"
)

// Entry is one row of a user's transaction history.
type Entry struct {
	ID             int64
	UserID         string
	Type           string
	AmountCents    int64
	BalanceBefore  int64
	BalanceAfter   int64
	Remark         string
	ReferenceID    string
}

// BalanceChange is one leg of a BatchChangeBalance call.
type BalanceChange struct {
	UserID      string
	AmountCents int64
	Type        string
	Remark      string
	ReferenceID string
}

// Service is the narrow surface RoundEngine and SettlementService depend
// on. isPlayMode gates whether a Transaction row is written at all.
type Service interface {
	ChangeBalance(ctx context.Context, tx pgx.Tx, userID string, amountCents int64, txnType, remark, referenceID string, isPlayMode bool) (balanceAfter int64, err error)
	BatchChangeBalance(ctx context.Context, tx pgx.Tx, changes []BalanceChange, isPlayMode bool) error
	ConditionalChangeBalance(ctx context.Context, tx pgx.Tx, userID string, amountCents int64, isPlayMode bool) (balanceAfter int64, err error)
	CompleteRechargeOrder(ctx context.Context, orderNo, tradeNo string, amountCents int64) (processed bool, err error)
	SetPlayBalance(ctx context.Context, userID string, valueCents int64) error
	GetBalance(ctx context.Context, userID string) (realCents, playCents int64, err error)
	GetTransactionHistory(ctx context.Context, userID string, limit, offset int) ([]Entry, error)
	GetUserStatus(ctx context.Context, userID string) (banned, silenced bool, err error)
}

type service struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func New(pool *pgxpool.Pool, logger zerolog.Logger) Service {
	return &service{pool: pool, log: logger}
}

func isAnon(userID string) bool {
	return strings.HasPrefix(userID, "anon-")
}

// ChangeBalance applies amountCents (signed) to userID's real-money balance
// inside tx, reads back the resulting balance, derives balanceBefore by
// subtracting the delta back out, and writes a Transaction row unless
// isPlayMode is true. Anonymous users in play mode are a no-op.
func (s *service) ChangeBalance(ctx context.Context, tx pgx.Tx, userID string, amountCents int64, txnType, remark, referenceID string, isPlayMode bool) (int64, error) {
	if isAnon(userID) {
		if isPlayMode {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: anonymous user %s cannot perform non-play balance op", userID)
	}

	var balanceAfter int64
	row := tx.QueryRow(ctx, `
		UPDATE users SET balance_cents = balance_cents + $2, updated_at = now()
		WHERE id = $1
		RETURNING balance_cents`, userID, amountCents)
	if err := row.Scan(&balanceAfter); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return 0, fmt.Errorf("ledger change balance: %w", err)
	}

	if !isPlayMode {
		balanceBefore := balanceAfter - amountCents
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (user_id, type, amount_cents, balance_before, balance_after, remark, reference_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			userID, txnType, amountCents, balanceBefore, balanceAfter, remark, referenceID); err != nil {
			return 0, fmt.Errorf("ledger insert transaction: %w", err)
		}
	}

	return balanceAfter, nil
}

// BatchChangeBalance aggregates every change for the same user into one
// UPDATE and writes one chained Transaction row per change, in order.
func (s *service) BatchChangeBalance(ctx context.Context, tx pgx.Tx, changes []BalanceChange, isPlayMode bool) error {
	totals := make(map[string]int64)
	order := make([]string, 0, len(changes))
	for _, c := range changes {
		if _, seen := totals[c.UserID]; !seen {
			order = append(order, c.UserID)
		}
		totals[c.UserID] += c.AmountCents
	}

	afterByUser := make(map[string]int64, len(order))
	for _, userID := range order {
		if isAnon(userID) {
			continue
		}
		var after int64
		row := tx.QueryRow(ctx, `
			UPDATE users SET balance_cents = balance_cents + $2, updated_at = now()
			WHERE id = $1
			RETURNING balance_cents`, userID, totals[userID])
		if err := row.Scan(&after); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
			}
			return fmt.Errorf("ledger batch update user %s: %w", userID, err)
		}
		afterByUser[userID] = after
	}

	if isPlayMode {
		return nil
	}

	running := make(map[string]int64, len(afterByUser))
	for userID, after := range afterByUser {
		running[userID] = after - totals[userID]
	}

	for _, c := range changes {
		if isAnon(c.UserID) {
			continue
		}
		before := running[c.UserID]
		after := before + c.AmountCents
		running[c.UserID] = after

		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (user_id, type, amount_cents, balance_before, balance_after, remark, reference_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.UserID, c.Type, c.AmountCents, before, after, c.Remark, c.ReferenceID); err != nil {
			return fmt.Errorf("ledger batch insert transaction: %w", err)
		}
	}

	return nil
}

// ConditionalChangeBalance debits a negative amount only if the gate
// balance_cents >= required holds; it never deducts without the gate.
func (s *service) ConditionalChangeBalance(ctx context.Context, tx pgx.Tx, userID string, amountCents int64, isPlayMode bool) (int64, error) {
	if isAnon(userID) {
		if isPlayMode {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: anonymous user %s cannot perform non-play balance op", userID)
	}

	required := -amountCents
	tag, err := tx.Exec(ctx, `
		UPDATE users SET balance_cents = balance_cents + $2, updated_at = now()
		WHERE id = $1 AND balance_cents >= $3`, userID, amountCents, required)
	if err != nil {
		return 0, fmt.Errorf("ledger conditional update: %w", err)
	}

	if tag.RowsAffected() != 1 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM users WHERE id = $1`, userID).Scan(&exists); errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return 0, ErrInsufficientBalance
	}

	var balanceAfter int64
	if err := tx.QueryRow(ctx, `SELECT balance_cents FROM users WHERE id = $1`, userID).Scan(&balanceAfter); err != nil {
		return 0, fmt.Errorf("ledger read back balance: %w", err)
	}

	if !isPlayMode {
		balanceBefore := balanceAfter - amountCents
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (user_id, type, amount_cents, balance_before, balance_after, remark, reference_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			userID, TxnBet, amountCents, balanceBefore, balanceAfter, "bet debit", ""); err != nil {
			return 0, fmt.Errorf("ledger insert transaction: %w", err)
		}
	}

	return balanceAfter, nil
}

// CompleteRechargeOrder is strictly idempotent: it finds a PENDING RECHARGE
// transaction by orderNo, verifies the amount matches, credits the balance,
// and flips status PENDING->COMPLETED guarded by WHERE status='PENDING'.
// If that guard affects zero rows the order was already processed.
func (s *service) CompleteRechargeOrder(ctx context.Context, orderNo, tradeNo string, amountCents int64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger begin recharge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	var txnAmount int64
	err = tx.QueryRow(ctx, `
		SELECT user_id, amount_cents FROM transactions
		WHERE reference_id = $1 AND type = $2 AND status = 'PENDING'`,
		orderNo, TxnRecharge).Scan(&userID, &txnAmount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger find pending recharge: %w", err)
	}
	if txnAmount != amountCents {
		return false, fmt.Errorf("ledger recharge amount mismatch: order=%d received=%d", txnAmount, amountCents)
	}

	if _, err := s.ChangeBalance(ctx, tx, userID, amountCents, TxnRecharge, "recharge "+tradeNo, orderNo, false); err != nil {
		return false, fmt.Errorf("ledger recharge credit: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET status = 'COMPLETED', trade_no = $2
		WHERE reference_id = $1 AND type = $3 AND status = 'PENDING'`,
		orderNo, tradeNo, TxnRecharge)
	if err != nil {
		return false, fmt.Errorf("ledger flip recharge status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("ledger commit recharge: %w", err)
	}
	return true, nil
}

func (s *service) SetPlayBalance(ctx context.Context, userID string, valueCents int64) error {
	if isAnon(userID) {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `UPDATE users SET play_balance_cents = $2, updated_at = now() WHERE id = $1`, userID, valueCents)
	if err != nil {
		return fmt.Errorf("ledger set play balance: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

func (s *service) GetBalance(ctx context.Context, userID string) (int64, int64, error) {
	if isAnon(userID) {
		return 0, 0, nil
	}
	var real, play int64
	row := s.pool.QueryRow(ctx, `SELECT balance_cents, play_balance_cents FROM users WHERE id = $1`, userID)
	if err := row.Scan(&real, &play); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return 0, 0, fmt.Errorf("ledger get balance: %w", err)
	}
	return real, play, nil
}

// GetUserStatus reports the moderation flags bet intake must honor. An
// anonymous (play-only) user is never banned or silenced.
func (s *service) GetUserStatus(ctx context.Context, userID string) (bool, bool, error) {
	if isAnon(userID) {
		return false, false, nil
	}
	var banned, silenced bool
	row := s.pool.QueryRow(ctx, `SELECT banned, silenced FROM users WHERE id = $1`, userID)
	if err := row.Scan(&banned, &silenced); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return false, false, fmt.Errorf("ledger get user status: %w", err)
	}
	return banned, silenced, nil
}

func (s *service) GetTransactionHistory(ctx context.Context, userID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, amount_cents, balance_before, balance_after, remark, reference_id
		FROM transactions WHERE user_id = $1
		ORDER BY id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.AmountCents, &e.BalanceBefore, &e.BalanceAfter, &e.Remark, &e.ReferenceID); err != nil {
			return nil, fmt.Errorf("ledger history scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CentsToDecimalString renders integer cents as a "1234.56"-style string.
// This is the single cents-to-number conversion point the contract
// requires: every balance/amount an API response surfaces is formatted
// here, nowhere else.
func CentsToDecimalString(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := strconv.FormatInt(cents, 10)
	for len(s) < 3 {
		s = "0" + s
	}
	whole, frac := s[:len(s)-2], s[len(s)-2:]
	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}
