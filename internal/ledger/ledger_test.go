package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testPool *pgxpool.Pool

const schemaSQL = `
CREATE TABLE users (
	id TEXT PRIMARY KEY,
	balance_cents BIGINT NOT NULL DEFAULT 0,
	play_balance_cents BIGINT NOT NULL DEFAULT 0,
	total_bets BIGINT NOT NULL DEFAULT 0,
	total_wins BIGINT NOT NULL DEFAULT 0,
	total_losses BIGINT NOT NULL DEFAULT 0,
	total_profit_cents BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE transactions (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	type TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	balance_before BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	remark TEXT NOT NULL DEFAULT '',
	reference_id TEXT,
	trade_no TEXT,
	status TEXT NOT NULL DEFAULT 'COMPLETED',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(ctx, "postgres:latest",
		postgres.WithDatabase("rowgrid"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		os.Exit(0)
	}
	defer dbContainer.Terminate(context.Background())

	dsn, err := dbContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		os.Exit(1)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		os.Exit(1)
	}
	testPool = pool

	code := m.Run()
	pool.Close()
	os.Exit(code)
}

func seedUser(t *testing.T, userID string, balanceCents int64) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(),
		`INSERT INTO users (id, balance_cents) VALUES ($1, $2)`, userID, balanceCents); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func TestConditionalChangeBalance_DebitWithinBalance(t *testing.T) {
	svc := New(testPool, zerolog.Nop())
	seedUser(t, "user-debit-ok", 1000)

	tx, err := testPool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	after, err := svc.ConditionalChangeBalance(context.Background(), tx, "user-debit-ok", -400, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after != 600 {
		t.Errorf("balance after = %d, want 600", after)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestConditionalChangeBalance_InsufficientBalance(t *testing.T) {
	svc := New(testPool, zerolog.Nop())
	seedUser(t, "user-debit-short", 100)

	tx, err := testPool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	_, err = svc.ConditionalChangeBalance(context.Background(), tx, "user-debit-short", -500, false)
	if err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestConditionalChangeBalance_UnknownUser(t *testing.T) {
	svc := New(testPool, zerolog.Nop())

	tx, err := testPool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	_, err = svc.ConditionalChangeBalance(context.Background(), tx, "nobody", -100, false)
	if err == nil {
		t.Fatal("expected an error for an unknown user")
	}
}

func TestChangeBalance_WritesTransactionRowUnlessPlayMode(t *testing.T) {
	svc := New(testPool, zerolog.Nop())
	seedUser(t, "user-credit", 0)

	tx, err := testPool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	after, err := svc.ChangeBalance(context.Background(), tx, "user-credit", 500, TxnWin, "test win", "bet-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after != 500 {
		t.Errorf("balance after = %d, want 500", after)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	history, err := svc.GetTransactionHistory(context.Background(), "user-credit", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 transaction row, got %d", len(history))
	}
}

func TestChangeBalance_PlayModeSkipsTransactionRow(t *testing.T) {
	svc := New(testPool, zerolog.Nop())
	seedUser(t, "user-play", 0)

	tx, err := testPool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := svc.ChangeBalance(context.Background(), tx, "user-play", 500, TxnWin, "", "", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	history, err := svc.GetTransactionHistory(context.Background(), "user-play", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no transaction rows in play mode, got %d", len(history))
	}
}

func TestCompleteRechargeOrder_IsIdempotent(t *testing.T) {
	svc := New(testPool, zerolog.Nop())
	seedUser(t, "user-recharge", 0)

	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO transactions (user_id, type, amount_cents, balance_before, balance_after, reference_id, status)
		VALUES ($1, $2, $3, 0, 0, $4, 'PENDING')`,
		"user-recharge", TxnRecharge, 1000, "order-abc"); err != nil {
		t.Fatalf("seed pending recharge: %v", err)
	}

	processed, err := svc.CompleteRechargeOrder(context.Background(), "order-abc", "trade-1", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !processed {
		t.Fatal("expected the first completion to process")
	}

	processed, err = svc.CompleteRechargeOrder(context.Background(), "order-abc", "trade-1", 1000)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if processed {
		t.Error("expected a replayed recharge notification to be a no-op")
	}

	_, playAfter, err := svc.GetBalance(context.Background(), "user-recharge")
	_ = playAfter
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSetAndGetPlayBalance(t *testing.T) {
	svc := New(testPool, zerolog.Nop())
	seedUser(t, "user-play-balance", 0)

	if err := svc.SetPlayBalance(context.Background(), "user-play-balance", 9900); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, play, err := svc.GetBalance(context.Background(), "user-play-balance")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if play != 9900 {
		t.Errorf("play balance = %d, want 9900", play)
	}
}
