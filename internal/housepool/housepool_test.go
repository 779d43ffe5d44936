package housepool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testPool *pgxpool.Pool

const schemaSQL = `
CREATE TABLE house_pool (
	asset TEXT PRIMARY KEY,
	balance_cents BIGINT NOT NULL,
	version BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

func TestEnsureSeeded_CreatesRowOnce(t *testing.T) {
	svc := New(testPool)

	if err := svc.EnsureSeeded(context.Background(), "BTCUSDT", 100000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.EnsureSeeded(context.Background(), "BTCUSDT", 999999); err != nil {
		t.Fatalf("unexpected error on second seed: %v", err)
	}

	st, err := svc.Get(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.BalanceCents != 100000 {
		t.Errorf("balance = %d, want 100000 (second seed must be a no-op)", st.BalanceCents)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := New(testPool)
	if _, err := svc.Get(context.Background(), "UNKNOWN"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyDelta_AdjustsBalanceAndVersion(t *testing.T) {
	svc := New(testPool)
	if err := svc.EnsureSeeded(context.Background(), "ETHUSDT", 50000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx, err := testPool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	st, err := svc.ApplyDelta(context.Background(), tx, "ETHUSDT", -500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.BalanceCents != 49500 {
		t.Errorf("balance = %d, want 49500", st.BalanceCents)
	}
	if st.Version != 1 {
		t.Errorf("version = %d, want 1", st.Version)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestApplyDelta_UnknownAsset(t *testing.T) {
	svc := New(testPool)

	tx, err := testPool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	if _, err := svc.ApplyDelta(context.Background(), tx, "NOPE", -1); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
