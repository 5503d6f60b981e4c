package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiWeekly Frequency = "bi-weekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyOneTime  Frequency = "one-time"
)

const (
	CycleWeekly    BillingCycle = "weekly"
	CycleBiWeekly  BillingCycle = "bi-weekly"
	CycleMonthly   BillingCycle = "monthly"
	CycleQuarterly BillingCycle = "quarterly"
	CycleYearly    BillingCycle = "yearly"
)

const (
	PaymentRecurring         PaymentType = "recurring"
	PaymentFixedTerm         PaymentType = "fixed_term"
	PaymentVariableRecurring PaymentType = "variable_recurring"
)

const (
	// TransactionExpense is the default type; stored as the empty string.
	TransactionExpense          TransactionType = ""
	TransactionGoalContribution TransactionType = "goal_contribution"
	TransactionSubscription     TransactionType = "subscription"
)

const (
	DecisionRollover         Decision = "rollover"
	DecisionGoalContribution Decision = "goal_contribution"
)

// KindVariableBill is the only pending-action kind today: a due variable
// subscription waiting for the user to supply the amount.
const KindVariableBill PendingActionKind = "variable_bill"

type (
	Frequency         string
	BillingCycle      string
	PaymentType       string
	TransactionType   string
	Decision          string
	PendingActionKind string

	Date struct {
		time.Time
	}

	User struct {
		ID          string
		DisplayName string
	}

	// Income is a user-declared income source. Recurring incomes carry a
	// periodic Frequency; one-time incomes carry a PaymentDate instead.
	Income struct {
		ID          int64
		UserID      string
		SourceName  string
		Amount      decimal.Decimal
		Frequency   Frequency
		IsRecurring bool
		PaymentDate Date
	}

	Subscription struct {
		ID                 int64
		UserID             string
		Name               string
		PaymentType        PaymentType
		Amount             decimal.Decimal // recurring only
		TotalLoanAmount    decimal.Decimal // fixed_term only
		PayoffPeriodMonths int64           // fixed_term only
		NextDueDate        Date
		BillingCycle       BillingCycle
		CategoryID         int64 // 0 = uncategorized
	}

	// GoalSchedule is a recurring automatic contribution towards a goal.
	// DayOfMonth is capped at 28 so the schedule exists in every month.
	// LastPosted is the cursor that keeps re-runs within the same day from
	// posting the contribution twice.
	GoalSchedule struct {
		ID         int64
		UserID     string
		GoalID     int64
		Amount     decimal.Decimal
		DayOfMonth int
		LastPosted Date
	}

	Goal struct {
		ID            int64
		UserID        string
		GoalName      string
		TargetAmount  decimal.Decimal
		CurrentAmount decimal.Decimal
		IsCompleted   bool
		TargetDate    Date
	}

	// Transaction is the append-only ledger entity. Every balance change in
	// the system is evidenced by exactly one transaction row.
	Transaction struct {
		ID         int64
		UserID     string
		Name       string
		Amount     decimal.Decimal
		Date       Date
		CategoryID int64
		Type       TransactionType
		Note       string
	}

	// VariableBillPayload is the typed payload for KindVariableBill.
	VariableBillPayload struct {
		SubscriptionID   int64  `json:"subscription_id"`
		SubscriptionName string `json:"subscription_name"`
		CategoryID       int64  `json:"category_id,omitempty"`
	}

	// PendingAction is deferred work requiring a human-supplied amount.
	// The payload is a closed union keyed by Kind; only the field matching
	// Kind is populated.
	PendingAction struct {
		ID           int64
		UserID       string
		Kind         PendingActionKind
		VariableBill *VariableBillPayload
		DueDate      Date
		Resolved     bool
	}

	// ReconciliationDecision records a monthly surplus awaiting (or after)
	// the user's disposition. At most one row exists per (user, month).
	ReconciliationDecision struct {
		ID            int64
		UserID        string
		MonthStart    Date
		SurplusAmount decimal.Decimal
		Decision      Decision // empty until the user chooses
		TargetGoalID  int64
		Processed     bool
	}

	Rollover struct {
		ID         int64
		UserID     string
		MonthStart Date
		Amount     decimal.Decimal
	}
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyProcessed  = errors.New("decision already processed")
	ErrAlreadyResolved   = errors.New("pending action already resolved")
	ErrAlreadyPosted     = errors.New("obligation already posted")
	ErrInvalidDecision   = errors.New("invalid decision")
	ErrGoalRequired      = errors.New("target goal required")
	ErrGoalCompleted     = errors.New("goal already completed")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidCycle      = errors.New("invalid billing cycle")
	ErrInvalidDayOfMonth = errors.New("day of month must be between 1 and 28")
	ErrEmptyName         = errors.New("empty name")
	ErrEmptyUserID       = errors.New("empty user id")
)

// NewDate creates a Date from year, month, day in UTC.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in UTC.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), int(t.Month()), t.Day())
}

// ParseDate parses an ISO yyyy-mm-dd string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

// ISO renders the date as yyyy-mm-dd, the storage format.
func (d Date) ISO() string {
	return d.Format("2006-01-02")
}

// IsEmpty returns true for the zero date (optional dates).
func (d Date) IsEmpty() bool {
	return d.IsZero()
}

func (i Income) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(i.SourceName) == "" {
		return ErrEmptyName
	}
	if !i.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if i.IsRecurring {
		switch i.Frequency {
		case FrequencyWeekly, FrequencyBiWeekly, FrequencyMonthly:
			return nil
		default:
			return errors.New("recurring income requires a periodic frequency")
		}
	}
	if i.Frequency != FrequencyOneTime {
		return errors.New("non-recurring income must have frequency one-time")
	}
	if i.PaymentDate.IsEmpty() {
		return errors.New("one-time income requires a payment date")
	}
	return nil
}

func (s Subscription) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptyName
	}
	if s.NextDueDate.IsEmpty() {
		return errors.New("next due date required")
	}
	switch s.BillingCycle {
	case CycleWeekly, CycleBiWeekly, CycleMonthly, CycleQuarterly, CycleYearly:
	default:
		return ErrInvalidCycle
	}
	switch s.PaymentType {
	case PaymentRecurring:
		if !s.Amount.IsPositive() {
			return ErrInvalidAmount
		}
	case PaymentFixedTerm:
		if !s.TotalLoanAmount.IsPositive() || s.PayoffPeriodMonths < 1 {
			return ErrInvalidAmount
		}
	case PaymentVariableRecurring:
		// amount unknown until the user supplies it
	default:
		return errors.New("invalid payment type")
	}
	return nil
}

// InstallmentAmount returns the amount a due occurrence posts to the ledger.
// For fixed_term subscriptions the monthly payment is derived from the loan
// total, rounded to 2 decimal places. Variable subscriptions have no fixed
// amount and return ErrInvalidAmount.
func (s Subscription) InstallmentAmount() (decimal.Decimal, error) {
	switch s.PaymentType {
	case PaymentRecurring:
		return s.Amount, nil
	case PaymentFixedTerm:
		if s.PayoffPeriodMonths < 1 {
			return decimal.Zero, ErrInvalidAmount
		}
		months := decimal.NewFromInt(s.PayoffPeriodMonths)
		return s.TotalLoanAmount.DivRound(months, 2), nil
	default:
		return decimal.Zero, ErrInvalidAmount
	}
}

func (gs GoalSchedule) Validate() error {
	if strings.TrimSpace(gs.UserID) == "" {
		return ErrEmptyUserID
	}
	if gs.GoalID == 0 {
		return ErrGoalRequired
	}
	if !gs.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if gs.DayOfMonth < 1 || gs.DayOfMonth > 28 {
		return ErrInvalidDayOfMonth
	}
	return nil
}

func (g Goal) Validate() error {
	if strings.TrimSpace(g.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(g.GoalName) == "" {
		return ErrEmptyName
	}
	if !g.TargetAmount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// ApplyContribution adds amount to the goal and recomputes completion.
// IsCompleted always equals current_amount >= target_amount afterwards.
func (g *Goal) ApplyContribution(amount decimal.Decimal) {
	g.CurrentAmount = g.CurrentAmount.Add(amount)
	g.IsCompleted = g.CurrentAmount.GreaterThanOrEqual(g.TargetAmount)
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(t.Name) == "" {
		return ErrEmptyName
	}
	if len(t.Name) > 200 {
		return errors.New("name too long (max 200 characters)")
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if t.Date.IsEmpty() {
		return errors.New("date required")
	}
	switch t.Type {
	case TransactionExpense, TransactionGoalContribution, TransactionSubscription:
		return nil
	default:
		return errors.New("invalid transaction type")
	}
}
