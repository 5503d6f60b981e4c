package amqp

import (
	"encoding/json"
	"time"
)

// PendingActionMessage notifies the external notifier that a pending action
// (e.g. a variable bill) is waiting for the user. Contains only identifiers;
// consumers fetch the full record from the database.
type PendingActionMessage struct {
	ActionID  int64     `json:"action_id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	DueDate   string    `json:"due_date"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPendingActionMessage creates a pending-action notification message.
func NewPendingActionMessage(actionID int64, userID, kind, dueDate string) *PendingActionMessage {
	return &PendingActionMessage{
		ActionID:  actionID,
		UserID:    userID,
		Kind:      kind,
		DueDate:   dueDate,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *PendingActionMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// PendingActionMessageFromJSON creates a message from JSON bytes
func PendingActionMessageFromJSON(data []byte) (*PendingActionMessage, error) {
	var msg PendingActionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecisionMessage notifies that a reconciliation decision changed state:
// either a new pending surplus is waiting for the user, or an applied
// decision completed.
type DecisionMessage struct {
	DecisionID int64     `json:"decision_id"`
	UserID     string    `json:"user_id"`
	MonthStart string    `json:"month_start"`
	Surplus    string    `json:"surplus"`
	State      string    `json:"state"` // "pending" or "applied"
	Timestamp  time.Time `json:"timestamp"`
}

// NewDecisionMessage creates a decision state-change message.
func NewDecisionMessage(decisionID int64, userID, monthStart, surplus, state string) *DecisionMessage {
	return &DecisionMessage{
		DecisionID: decisionID,
		UserID:     userID,
		MonthStart: monthStart,
		Surplus:    surplus,
		State:      state,
		Timestamp:  time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *DecisionMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// DecisionMessageFromJSON creates a message from JSON bytes
func DecisionMessageFromJSON(data []byte) (*DecisionMessage, error) {
	var msg DecisionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
