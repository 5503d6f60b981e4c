package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	"bilancio/internal/storage"
)

// PendingActionService completes pending actions once the user supplies the
// missing information, today always a variable bill's amount.
type PendingActionService struct {
	storage *storage.SQLiteRepository
}

func NewPendingActionService(storage *storage.SQLiteRepository) *PendingActionService {
	return &PendingActionService{storage: storage}
}

// Complete resolves the pending action actionID owned by userID by posting a
// subscription transaction with the user-supplied amount. now anchors the
// transaction date.
//
// Returns ErrNotFound when the action is missing or owned by someone else,
// ErrAlreadyResolved on a repeat completion, and ErrInvalidAmount when the
// amount is not positive.
func (s *PendingActionService) Complete(ctx context.Context, userID string, actionID int64, amount decimal.Decimal, now time.Time) (int64, error) {
	if !amount.IsPositive() {
		return 0, core.ErrInvalidAmount
	}

	action, err := s.storage.GetPendingAction(ctx, userID, actionID)
	if err != nil {
		return 0, err
	}
	if action.Resolved {
		return 0, core.ErrAlreadyResolved
	}
	if action.Kind != core.KindVariableBill || action.VariableBill == nil {
		return 0, fmt.Errorf("unsupported pending action kind %q", action.Kind)
	}

	txn := core.Transaction{
		UserID:     action.UserID,
		Name:       action.VariableBill.SubscriptionName,
		Amount:     amount.Round(2),
		Date:       core.DateOf(now),
		CategoryID: action.VariableBill.CategoryID,
		Type:       core.TransactionSubscription,
		Note:       "Variable subscription payment",
	}
	txnID, err := s.storage.ResolvePendingAction(ctx, actionID, txn)
	if err != nil {
		return 0, err
	}

	slog.InfoContext(ctx, "Completed pending action",
		"action_id", actionID,
		"user_id", userID,
		"transaction_id", txnID,
		"amount", core.FormatAmount(txn.Amount))
	return txnID, nil
}
