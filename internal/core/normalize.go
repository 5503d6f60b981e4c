package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Calendar-approximate multipliers: a month counts as exactly 4 weeks.
// The alternative (x4.33 / x2.17) would make reconciliation surpluses drift
// against the amounts actually posted per month, so the whole-number rule is
// used everywhere.
var (
	weeksPerMonth   = decimal.NewFromInt(4)
	biWeeksPerMonth = decimal.NewFromInt(2)
)

// MonthlyEquivalent converts a recurring income amount to its monthly figure.
// weekly -> amount x 4, bi-weekly -> amount x 2, monthly -> unchanged.
// Unknown frequencies are treated as already monthly.
//
// One-time incomes are not normalized here; see Income.AmountForMonth.
func MonthlyEquivalent(amount decimal.Decimal, frequency Frequency) decimal.Decimal {
	switch frequency {
	case FrequencyWeekly:
		return amount.Mul(weeksPerMonth)
	case FrequencyBiWeekly:
		return amount.Mul(biWeeksPerMonth)
	default:
		return amount
	}
}

// AmountForMonth returns what this income contributes to the month starting
// at monthStart. Recurring incomes contribute their monthly equivalent every
// month; one-time incomes contribute the raw amount only in the month
// containing their payment date, and zero otherwise.
func (i Income) AmountForMonth(monthStart time.Time) decimal.Decimal {
	if i.IsRecurring {
		return MonthlyEquivalent(i.Amount, i.Frequency)
	}
	if i.PaymentDate.IsEmpty() {
		return decimal.Zero
	}
	if i.PaymentDate.Year() == monthStart.Year() && i.PaymentDate.Month() == monthStart.Month() {
		return i.Amount
	}
	return decimal.Zero
}
