package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/storage"
)

// defaultReconcileConcurrency bounds the per-user fan-out of a run.
const defaultReconcileConcurrency = 4

// MonthlyReconciler computes, once per calendar month per user, the surplus
// of normalized income over ledger outflows for the previous month and
// records it as a pending decision for the user to dispose of.
type MonthlyReconciler struct {
	storage     *storage.SQLiteRepository
	events      *amqp.Client // optional, nil disables notifications
	concurrency int
}

// ReconcileStats summarizes a single reconciliation run.
type ReconcileStats struct {
	UsersReconciled int
	DecisionsMade   int
	Skipped         int
	Errors          int
}

func NewMonthlyReconciler(storage *storage.SQLiteRepository, events *amqp.Client) *MonthlyReconciler {
	return &MonthlyReconciler{
		storage:     storage,
		events:      events,
		concurrency: defaultReconcileConcurrency,
	}
}

// SetConcurrency overrides the per-user fan-out bound. Values below 1 are
// ignored.
func (r *MonthlyReconciler) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

// ReconcileAll runs the monthly reconciliation for every known user as of
// now. Users are processed concurrently with a bounded worker group; one
// user's failure is counted and logged but never aborts the run.
func (r *MonthlyReconciler) ReconcileAll(ctx context.Context, now time.Time) (ReconcileStats, error) {
	if r.storage == nil {
		return ReconcileStats{}, fmt.Errorf("reconciler not properly initialized")
	}

	userIDs, err := r.storage.ListUserIDs(ctx)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("list users: %w", err)
	}

	monthStart := core.PrevMonthStart(now)
	slog.InfoContext(ctx, "Starting monthly reconciliation",
		"month", monthStart.ISO(),
		"users", len(userIDs))

	results := make([]reconcileResult, len(userIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, userID := range userIDs {
		g.Go(func() error {
			results[i] = r.reconcileUser(gctx, userID, monthStart)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileStats{}, err
	}

	var stats ReconcileStats
	for i, res := range results {
		switch {
		case res.err != nil:
			slog.ErrorContext(ctx, "Failed to reconcile user",
				"user_id", userIDs[i],
				"month", monthStart.ISO(),
				"error", res.err)
			stats.Errors++
		case res.skipped:
			stats.Skipped++
		default:
			stats.UsersReconciled++
			if res.decisionMade {
				stats.DecisionsMade++
			}
		}
	}

	slog.InfoContext(ctx, "Monthly reconciliation complete",
		"month", monthStart.ISO(),
		"reconciled", stats.UsersReconciled,
		"decisions", stats.DecisionsMade,
		"skipped", stats.Skipped,
		"errors", stats.Errors)

	return stats, nil
}

type reconcileResult struct {
	skipped      bool
	decisionMade bool
	err          error
}

// reconcileUser computes one user's surplus for the month starting at
// monthStart. If a decision for that month already exists the user is
// skipped, which is what makes repeated runs within a month harmless.
func (r *MonthlyReconciler) reconcileUser(ctx context.Context, userID string, monthStart core.Date) reconcileResult {
	exists, err := r.storage.DecisionExists(ctx, userID, monthStart)
	if err != nil {
		return reconcileResult{err: fmt.Errorf("check existing decision: %w", err)}
	}
	if exists {
		return reconcileResult{skipped: true}
	}

	income, err := r.monthlyIncome(ctx, userID, monthStart)
	if err != nil {
		return reconcileResult{err: err}
	}

	expenses, contributions, err := r.monthlyOutflows(ctx, userID, monthStart)
	if err != nil {
		return reconcileResult{err: err}
	}

	surplus := income.Sub(expenses).Sub(contributions)
	slog.InfoContext(ctx, "Reconciled user month",
		"user_id", userID,
		"month", monthStart.ISO(),
		"income", core.FormatAmount(income),
		"expenses", core.FormatAmount(expenses),
		"contributions", core.FormatAmount(contributions),
		"surplus", core.FormatAmount(surplus))

	if !surplus.IsPositive() {
		// Zero or negative months produce no decision. There is nothing
		// to dispose of and nothing to ask the user.
		return reconcileResult{}
	}

	decision := core.ReconciliationDecision{
		UserID:        userID,
		MonthStart:    monthStart,
		SurplusAmount: surplus,
	}
	decisionID, created, err := r.storage.CreateReconciliationDecision(ctx, decision)
	if err != nil {
		return reconcileResult{err: fmt.Errorf("create decision: %w", err)}
	}
	if !created {
		// A concurrent run won the unique constraint race.
		return reconcileResult{skipped: true}
	}

	r.notifyDecision(ctx, decisionID, decision, "pending")
	return reconcileResult{decisionMade: true}
}

// monthlyIncome sums the normalized income of every source for the month.
func (r *MonthlyReconciler) monthlyIncome(ctx context.Context, userID string, monthStart core.Date) (decimal.Decimal, error) {
	incomes, err := r.storage.ListIncomes(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list incomes: %w", err)
	}
	total := decimal.Zero
	for _, in := range incomes {
		total = total.Add(in.AmountForMonth(monthStart.Time))
	}
	return total, nil
}

// monthlyOutflows sums the month's ledger transactions, split into plain
// expenses (including subscription charges) and goal contributions.
func (r *MonthlyReconciler) monthlyOutflows(ctx context.Context, userID string, monthStart core.Date) (expenses, contributions decimal.Decimal, err error) {
	monthEnd := core.MonthEnd(monthStart.Time)
	txns, err := r.storage.ListTransactionsInRange(ctx, userID, monthStart, monthEnd)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("list transactions: %w", err)
	}
	expenses, contributions = decimal.Zero, decimal.Zero
	for _, t := range txns {
		if t.Type == core.TransactionGoalContribution {
			contributions = contributions.Add(t.Amount)
		} else {
			expenses = expenses.Add(t.Amount)
		}
	}
	return expenses, contributions, nil
}

func (r *MonthlyReconciler) notifyDecision(ctx context.Context, decisionID int64, d core.ReconciliationDecision, state string) {
	if r.events == nil {
		return
	}
	err := r.events.PublishDecision(ctx, decisionID, d.UserID, d.MonthStart.ISO(), core.FormatAmount(d.SurplusAmount), state)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to publish decision message",
			"decision_id", decisionID,
			"error", err)
	}
}
