package services

import (
	"context"
	"testing"

	"bilancio/internal/core"
)

func TestProcessDueObligations_RecurringCharge(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")
	subID := mustSubscription(t, repo, core.Subscription{
		UserID:       "alice",
		Name:         "Internet",
		PaymentType:  core.PaymentRecurring,
		Amount:       amt(t, "29.99"),
		NextDueDate:  core.NewDate(2025, 3, 15),
		BillingCycle: core.CycleMonthly,
	})

	poster := NewObligationPoster(repo, nil)
	stats, err := poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("ProcessDueObligations: %v", err)
	}
	if stats.ChargesPosted != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want 1 charge and no errors", stats)
	}

	txns := userTransactions(t, repo, "alice", core.NewDate(2025, 3, 1), core.NewDate(2025, 3, 31))
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txns))
	}
	if txns[0].Type != core.TransactionSubscription {
		t.Errorf("transaction type = %q, want subscription", txns[0].Type)
	}
	if txns[0].Amount.StringFixed(2) != "29.99" {
		t.Errorf("transaction amount = %s, want 29.99", txns[0].Amount.StringFixed(2))
	}

	sub, err := repo.GetSubscription(context.Background(), subID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.NextDueDate.ISO() != "2025-04-15" {
		t.Errorf("next due date = %s, want 2025-04-15", sub.NextDueDate.ISO())
	}
}

func TestProcessDueObligations_SecondRunPostsNothing(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")
	mustSubscription(t, repo, core.Subscription{
		UserID:       "alice",
		Name:         "Gym",
		PaymentType:  core.PaymentRecurring,
		Amount:       amt(t, "45.00"),
		NextDueDate:  core.NewDate(2025, 3, 15),
		BillingCycle: core.CycleMonthly,
	})

	poster := NewObligationPoster(repo, nil)
	if _, err := poster.ProcessDueObligations(context.Background(), midMarch); err != nil {
		t.Fatalf("first run: %v", err)
	}
	stats, err := poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.ChargesPosted != 0 || stats.PendingCreated != 0 || stats.ContributionsPosted != 0 {
		t.Fatalf("second run stats = %+v, want nothing posted", stats)
	}

	txns := userTransactions(t, repo, "alice", core.NewDate(2025, 3, 1), core.NewDate(2025, 3, 31))
	if len(txns) != 1 {
		t.Fatalf("got %d transactions after two runs, want 1", len(txns))
	}
}

func TestProcessDueObligations_NotYetDue(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")
	mustSubscription(t, repo, core.Subscription{
		UserID:       "alice",
		Name:         "Streaming",
		PaymentType:  core.PaymentRecurring,
		Amount:       amt(t, "9.99"),
		NextDueDate:  core.NewDate(2025, 3, 16),
		BillingCycle: core.CycleMonthly,
	})

	poster := NewObligationPoster(repo, nil)
	stats, err := poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("ProcessDueObligations: %v", err)
	}
	if stats.ChargesPosted != 0 {
		t.Fatalf("stats = %+v, want nothing posted before due date", stats)
	}
}

func TestProcessDueObligations_FixedTermInstallment(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")
	mustSubscription(t, repo, core.Subscription{
		UserID:             "alice",
		Name:               "Laptop loan",
		PaymentType:        core.PaymentFixedTerm,
		TotalLoanAmount:    amt(t, "1200.00"),
		PayoffPeriodMonths: 12,
		NextDueDate:        core.NewDate(2025, 3, 10),
		BillingCycle:       core.CycleMonthly,
	})

	poster := NewObligationPoster(repo, nil)
	stats, err := poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("ProcessDueObligations: %v", err)
	}
	if stats.ChargesPosted != 1 {
		t.Fatalf("stats = %+v, want 1 charge", stats)
	}

	txns := userTransactions(t, repo, "alice", core.NewDate(2025, 3, 1), core.NewDate(2025, 3, 31))
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txns))
	}
	if txns[0].Amount.StringFixed(2) != "100.00" {
		t.Errorf("installment = %s, want 100.00", txns[0].Amount.StringFixed(2))
	}
}

func TestProcessDueObligations_VariableCreatesPendingAction(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")
	subID := mustSubscription(t, repo, core.Subscription{
		UserID:       "alice",
		Name:         "Electricity",
		PaymentType:  core.PaymentVariableRecurring,
		NextDueDate:  core.NewDate(2025, 3, 15),
		BillingCycle: core.CycleMonthly,
	})

	poster := NewObligationPoster(repo, nil)
	stats, err := poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("ProcessDueObligations: %v", err)
	}
	if stats.PendingCreated != 1 || stats.ChargesPosted != 0 {
		t.Fatalf("stats = %+v, want 1 pending action and no charges", stats)
	}

	// No transaction yet; the amount is unknown.
	txns := userTransactions(t, repo, "alice", core.NewDate(2025, 3, 1), core.NewDate(2025, 3, 31))
	if len(txns) != 0 {
		t.Fatalf("got %d transactions, want 0 before completion", len(txns))
	}

	actions, err := repo.ListUnresolvedPendingActions(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListUnresolvedPendingActions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d pending actions, want 1", len(actions))
	}
	if actions[0].Kind != core.KindVariableBill || actions[0].VariableBill == nil {
		t.Fatalf("pending action payload missing: %+v", actions[0])
	}
	if actions[0].VariableBill.SubscriptionID != subID {
		t.Errorf("payload subscription id = %d, want %d", actions[0].VariableBill.SubscriptionID, subID)
	}

	// The cursor advances even though no money moved.
	sub, err := repo.GetSubscription(context.Background(), subID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.NextDueDate.ISO() != "2025-04-15" {
		t.Errorf("next due date = %s, want 2025-04-15", sub.NextDueDate.ISO())
	}

	// Re-running while the action is unresolved must not duplicate it.
	if _, err := poster.ProcessDueObligations(context.Background(), midMarch); err != nil {
		t.Fatalf("second run: %v", err)
	}
	actions, err = repo.ListUnresolvedPendingActions(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListUnresolvedPendingActions after rerun: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d pending actions after rerun, want 1", len(actions))
	}
}

func TestProcessDueObligations_GoalSchedule(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")
	goalID := mustGoal(t, repo, core.Goal{
		UserID:       "alice",
		GoalName:     "Vacation",
		TargetAmount: amt(t, "1000.00"),
	})
	mustSchedule(t, repo, core.GoalSchedule{
		UserID:     "alice",
		GoalID:     goalID,
		Amount:     amt(t, "150.00"),
		DayOfMonth: 15,
	})

	poster := NewObligationPoster(repo, nil)
	stats, err := poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("ProcessDueObligations: %v", err)
	}
	if stats.ContributionsPosted != 1 {
		t.Fatalf("stats = %+v, want 1 contribution", stats)
	}

	goal, err := repo.GetGoal(context.Background(), "alice", goalID)
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if goal.CurrentAmount.StringFixed(2) != "150.00" {
		t.Errorf("goal balance = %s, want 150.00", goal.CurrentAmount.StringFixed(2))
	}
	if goal.IsCompleted {
		t.Error("goal marked completed at 150/1000")
	}

	txns := userTransactions(t, repo, "alice", core.NewDate(2025, 3, 1), core.NewDate(2025, 3, 31))
	if len(txns) != 1 || txns[0].Type != core.TransactionGoalContribution {
		t.Fatalf("expected one goal_contribution transaction, got %+v", txns)
	}

	// Same-day rerun is a no-op thanks to the last_posted cursor.
	stats, err = poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.ContributionsPosted != 0 {
		t.Fatalf("second run stats = %+v, want no contribution", stats)
	}
	goal, _ = repo.GetGoal(context.Background(), "alice", goalID)
	if goal.CurrentAmount.StringFixed(2) != "150.00" {
		t.Errorf("goal balance after rerun = %s, want 150.00", goal.CurrentAmount.StringFixed(2))
	}
}

func TestProcessDueObligations_CompletedGoalSkipped(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")
	goalID := mustGoal(t, repo, core.Goal{
		UserID:        "alice",
		GoalName:      "Emergency fund",
		TargetAmount:  amt(t, "500.00"),
		CurrentAmount: amt(t, "400.00"),
	})
	mustSchedule(t, repo, core.GoalSchedule{
		UserID:     "alice",
		GoalID:     goalID,
		Amount:     amt(t, "150.00"),
		DayOfMonth: 15,
	})

	poster := NewObligationPoster(repo, nil)
	if _, err := poster.ProcessDueObligations(context.Background(), midMarch); err != nil {
		t.Fatalf("first run: %v", err)
	}

	goal, err := repo.GetGoal(context.Background(), "alice", goalID)
	if err != nil {
		t.Fatalf("GetGoal: %v", err)
	}
	if !goal.IsCompleted {
		t.Fatal("goal not completed after reaching target")
	}
	if goal.CurrentAmount.StringFixed(2) != "550.00" {
		t.Errorf("goal balance = %s, want 550.00", goal.CurrentAmount.StringFixed(2))
	}

	// Next month the schedule fires again but the completed goal is skipped.
	april := midMarch.AddDate(0, 1, 0)
	stats, err := poster.ProcessDueObligations(context.Background(), april)
	if err != nil {
		t.Fatalf("april run: %v", err)
	}
	if stats.ContributionsPosted != 0 || stats.Skipped == 0 {
		t.Fatalf("april stats = %+v, want completed goal skipped", stats)
	}
	goal, _ = repo.GetGoal(context.Background(), "alice", goalID)
	if goal.CurrentAmount.StringFixed(2) != "550.00" {
		t.Errorf("completed goal balance changed to %s", goal.CurrentAmount.StringFixed(2))
	}
}

func TestProcessDueObligations_BadRecordDoesNotAbortRun(t *testing.T) {
	repo := newTestRepo(t)
	mustUser(t, repo, "alice")

	// A schedule pointing at a goal that does not exist fails in isolation.
	mustSchedule(t, repo, core.GoalSchedule{
		UserID:     "alice",
		GoalID:     9999,
		Amount:     amt(t, "50.00"),
		DayOfMonth: 15,
	})
	mustSubscription(t, repo, core.Subscription{
		UserID:       "alice",
		Name:         "Internet",
		PaymentType:  core.PaymentRecurring,
		Amount:       amt(t, "29.99"),
		NextDueDate:  core.NewDate(2025, 3, 15),
		BillingCycle: core.CycleMonthly,
	})

	poster := NewObligationPoster(repo, nil)
	stats, err := poster.ProcessDueObligations(context.Background(), midMarch)
	if err != nil {
		t.Fatalf("ProcessDueObligations: %v", err)
	}
	if stats.ChargesPosted != 1 {
		t.Errorf("healthy subscription not processed: %+v", stats)
	}
	if stats.Errors != 1 {
		t.Errorf("broken schedule not counted as error: %+v", stats)
	}
}
