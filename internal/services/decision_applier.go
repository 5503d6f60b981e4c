package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/storage"
)

// DecisionApplier executes the user's disposition of a monthly surplus:
// either roll it over into the current month's budget or contribute it to a
// savings goal. Each decision is applied at most once.
type DecisionApplier struct {
	storage *storage.SQLiteRepository
	events  *amqp.Client // optional, nil disables notifications
}

func NewDecisionApplier(storage *storage.SQLiteRepository, events *amqp.Client) *DecisionApplier {
	return &DecisionApplier{
		storage: storage,
		events:  events,
	}
}

// Apply executes decision against the pending reconciliation decision
// decisionID owned by userID. targetGoalID is required for goal
// contributions and ignored for rollovers. now anchors the rollover month.
//
// Returns ErrNotFound when the decision does not exist or belongs to someone
// else, ErrAlreadyProcessed when it was applied before, ErrGoalRequired and
// ErrInvalidDecision on bad input.
func (a *DecisionApplier) Apply(ctx context.Context, userID string, decisionID int64, decision core.Decision, targetGoalID int64, now time.Time) error {
	rec, err := a.storage.GetDecision(ctx, userID, decisionID)
	if err != nil {
		return err
	}
	if rec.Processed {
		return core.ErrAlreadyProcessed
	}

	switch decision {
	case core.DecisionRollover:
		err = a.applyRollover(ctx, rec, now)
	case core.DecisionGoalContribution:
		err = a.applyGoalContribution(ctx, rec, targetGoalID, now)
	default:
		return core.ErrInvalidDecision
	}
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Applied reconciliation decision",
		"decision_id", rec.ID,
		"user_id", rec.UserID,
		"decision", decision,
		"surplus", core.FormatAmount(rec.SurplusAmount))
	a.notifyApplied(ctx, rec)
	return nil
}

// applyRollover credits the surplus to the month now falls in, not to the
// reconciled month. A repeat rollover for the same month replaces the stored
// amount rather than accumulating.
func (a *DecisionApplier) applyRollover(ctx context.Context, rec *core.ReconciliationDecision, now time.Time) error {
	ro := core.Rollover{
		UserID:     rec.UserID,
		MonthStart: core.MonthStart(now),
		Amount:     rec.SurplusAmount,
	}
	if err := a.storage.ApplyRolloverDecision(ctx, rec.ID, ro); err != nil {
		return fmt.Errorf("apply rollover: %w", err)
	}
	return nil
}

func (a *DecisionApplier) applyGoalContribution(ctx context.Context, rec *core.ReconciliationDecision, targetGoalID int64, now time.Time) error {
	if targetGoalID == 0 {
		return core.ErrGoalRequired
	}
	goal, err := a.storage.GetGoal(ctx, rec.UserID, targetGoalID)
	if err != nil {
		return err
	}

	updated := *goal
	updated.ApplyContribution(rec.SurplusAmount)

	txn := core.Transaction{
		UserID: rec.UserID,
		Name:   goal.GoalName,
		Amount: rec.SurplusAmount,
		Date:   core.DateOf(now),
		Type:   core.TransactionGoalContribution,
		Note:   "Monthly surplus contribution",
	}
	if err := a.storage.ApplyGoalContributionDecision(ctx, rec.ID, txn, &updated); err != nil {
		return fmt.Errorf("apply goal contribution: %w", err)
	}
	return nil
}

func (a *DecisionApplier) notifyApplied(ctx context.Context, rec *core.ReconciliationDecision) {
	if a.events == nil {
		return
	}
	err := a.events.PublishDecision(ctx, rec.ID, rec.UserID, rec.MonthStart.ISO(), core.FormatAmount(rec.SurplusAmount), "applied")
	if err != nil {
		slog.ErrorContext(ctx, "Failed to publish decision message",
			"decision_id", rec.ID,
			"error", err)
	}
}
