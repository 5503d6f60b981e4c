package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	"bilancio/internal/storage"
)

func newTestRepo(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func mustUser(t *testing.T, repo *storage.SQLiteRepository, id string) {
	t.Helper()
	if err := repo.CreateUser(context.Background(), core.User{ID: id, DisplayName: id}); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
}

func mustSubscription(t *testing.T, repo *storage.SQLiteRepository, s core.Subscription) int64 {
	t.Helper()
	if err := s.Validate(); err != nil {
		t.Fatalf("invalid test subscription: %v", err)
	}
	id, err := repo.CreateSubscription(context.Background(), s)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return id
}

func mustGoal(t *testing.T, repo *storage.SQLiteRepository, g core.Goal) int64 {
	t.Helper()
	id, err := repo.CreateGoal(context.Background(), g)
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	return id
}

func mustSchedule(t *testing.T, repo *storage.SQLiteRepository, gs core.GoalSchedule) int64 {
	t.Helper()
	if err := gs.Validate(); err != nil {
		t.Fatalf("invalid test schedule: %v", err)
	}
	id, err := repo.CreateGoalSchedule(context.Background(), gs)
	if err != nil {
		t.Fatalf("create goal schedule: %v", err)
	}
	return id
}

func mustIncome(t *testing.T, repo *storage.SQLiteRepository, in core.Income) {
	t.Helper()
	if err := in.Validate(); err != nil {
		t.Fatalf("invalid test income: %v", err)
	}
	if _, err := repo.CreateIncome(context.Background(), in); err != nil {
		t.Fatalf("create income: %v", err)
	}
}

func mustTransaction(t *testing.T, repo *storage.SQLiteRepository, txn core.Transaction) {
	t.Helper()
	if err := txn.Validate(); err != nil {
		t.Fatalf("invalid test transaction: %v", err)
	}
	if _, err := repo.CreateTransaction(context.Background(), txn); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
}

func amt(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad test amount %q: %v", s, err)
	}
	return d
}

func userTransactions(t *testing.T, repo *storage.SQLiteRepository, userID string, from, to core.Date) []core.Transaction {
	t.Helper()
	txns, err := repo.ListTransactionsInRange(context.Background(), userID, from, to)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	return txns
}

// midMarch is the reference clock used by most tests.
var midMarch = time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
