package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/storage"
)

// ObligationPoster materializes due recurring obligations into the ledger:
// subscription charges, variable-bill pending actions, and scheduled goal
// contributions. It is invoked by an external scheduler (intended cadence:
// daily) and is safe to re-run within the same day.
type ObligationPoster struct {
	storage *storage.SQLiteRepository
	events  *amqp.Client // optional, nil disables notifications
}

// ObligationStats summarizes a single poster run.
type ObligationStats struct {
	ChargesPosted       int
	PendingCreated      int
	ContributionsPosted int
	Skipped             int
	Errors              int
}

func NewObligationPoster(storage *storage.SQLiteRepository, events *amqp.Client) *ObligationPoster {
	return &ObligationPoster{
		storage: storage,
		events:  events,
	}
}

// ProcessDueObligations runs one processing tick as of now. Each obligation
// is an independent failure unit: one bad record is logged and skipped, the
// run continues over the rest.
func (p *ObligationPoster) ProcessDueObligations(ctx context.Context, now time.Time) (ObligationStats, error) {
	if p.storage == nil {
		return ObligationStats{}, fmt.Errorf("poster not properly initialized")
	}

	today := core.DateOf(now)
	var stats ObligationStats

	subs, err := p.storage.ListDueSubscriptions(ctx, today)
	if err != nil {
		return stats, fmt.Errorf("list due subscriptions: %w", err)
	}

	slog.InfoContext(ctx, "Processing due subscriptions",
		"due", len(subs),
		"processing_date", today.ISO())

	for _, sub := range subs {
		switch err := p.processSubscription(ctx, sub, today); {
		case err == nil:
			if sub.PaymentType == core.PaymentVariableRecurring {
				stats.PendingCreated++
			} else {
				stats.ChargesPosted++
			}
		case errors.Is(err, core.ErrAlreadyPosted):
			stats.Skipped++
		default:
			slog.ErrorContext(ctx, "Failed to process due subscription",
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"payment_type", sub.PaymentType,
				"error", err)
			stats.Errors++
		}
	}

	schedules, err := p.storage.ListDueGoalSchedules(ctx, today)
	if err != nil {
		return stats, fmt.Errorf("list due goal schedules: %w", err)
	}

	for _, gs := range schedules {
		switch err := p.processGoalSchedule(ctx, gs, today); {
		case err == nil:
			stats.ContributionsPosted++
		case errors.Is(err, core.ErrAlreadyPosted), errors.Is(err, core.ErrGoalCompleted):
			stats.Skipped++
		default:
			slog.ErrorContext(ctx, "Failed to process goal schedule",
				"schedule_id", gs.ID,
				"goal_id", gs.GoalID,
				"user_id", gs.UserID,
				"error", err)
			stats.Errors++
		}
	}

	slog.InfoContext(ctx, "Obligation processing complete",
		"charges_posted", stats.ChargesPosted,
		"pending_created", stats.PendingCreated,
		"contributions_posted", stats.ContributionsPosted,
		"skipped", stats.Skipped,
		"errors", stats.Errors)

	return stats, nil
}

// processSubscription posts the effect of one due subscription and advances
// its cursor by exactly one billing cycle. Post and advance are a single
// atomic unit in the store; if posting fails the cursor stays put and the
// next tick retries.
func (p *ObligationPoster) processSubscription(ctx context.Context, sub core.Subscription, today core.Date) error {
	nextDue := core.Advance(sub.NextDueDate, sub.BillingCycle)

	if sub.PaymentType == core.PaymentVariableRecurring {
		// Amount unknown until the user supplies it: record a pending
		// action instead of a transaction.
		exists, err := p.storage.HasUnresolvedVariableBill(ctx, sub.ID, today)
		if err != nil {
			return err
		}
		if exists {
			return core.ErrAlreadyPosted
		}
		action := core.PendingAction{
			UserID:  sub.UserID,
			Kind:    core.KindVariableBill,
			DueDate: today,
			VariableBill: &core.VariableBillPayload{
				SubscriptionID:   sub.ID,
				SubscriptionName: sub.Name,
				CategoryID:       sub.CategoryID,
			},
		}
		actionID, err := p.storage.CreateVariableBillAction(ctx, action, sub.NextDueDate, nextDue)
		if err != nil {
			return err
		}
		p.notifyPendingAction(ctx, actionID, action)
		return nil
	}

	amount, err := sub.InstallmentAmount()
	if err != nil {
		return fmt.Errorf("installment amount: %w", err)
	}
	txn := core.Transaction{
		UserID:     sub.UserID,
		Name:       sub.Name,
		Amount:     amount,
		Date:       today,
		CategoryID: sub.CategoryID,
		Type:       core.TransactionSubscription,
		Note:       "Automated subscription payment",
	}
	if _, err := p.storage.PostSubscriptionCharge(ctx, txn, sub.ID, sub.NextDueDate, nextDue); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Posted subscription charge",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"amount", core.FormatAmount(amount),
		"next_due", nextDue.ISO())
	return nil
}

// processGoalSchedule posts one scheduled goal contribution. Transaction and
// goal update are a single atomic unit; completed goals accept no further
// automatic contributions.
func (p *ObligationPoster) processGoalSchedule(ctx context.Context, gs core.GoalSchedule, today core.Date) error {
	goal, err := p.storage.GetGoal(ctx, gs.UserID, gs.GoalID)
	if err != nil {
		return fmt.Errorf("get goal: %w", err)
	}
	if goal.IsCompleted {
		return core.ErrGoalCompleted
	}

	updated := *goal
	updated.ApplyContribution(gs.Amount)

	txn := core.Transaction{
		UserID: gs.UserID,
		Name:   goal.GoalName,
		Amount: gs.Amount,
		Date:   today,
		Type:   core.TransactionGoalContribution,
		Note:   "Automated scheduled contribution",
	}
	if _, err := p.storage.PostGoalContribution(ctx, txn, &updated, gs.ID, today); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Posted scheduled goal contribution",
		"schedule_id", gs.ID,
		"goal_id", gs.GoalID,
		"user_id", gs.UserID,
		"amount", core.FormatAmount(gs.Amount),
		"goal_completed", updated.IsCompleted)
	return nil
}

func (p *ObligationPoster) notifyPendingAction(ctx context.Context, actionID int64, action core.PendingAction) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishPendingAction(ctx, actionID, action.UserID, string(action.Kind), action.DueDate.ISO()); err != nil {
		// Notification is best-effort; the pending action is durable either way.
		slog.ErrorContext(ctx, "Failed to publish pending action message",
			"action_id", actionID,
			"error", err)
	}
}
