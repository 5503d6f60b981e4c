package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSubscriptionValidate(t *testing.T) {
	base := Subscription{
		UserID:       "u1",
		Name:         "Internet",
		PaymentType:  PaymentRecurring,
		Amount:       decimal.RequireFromString("29.99"),
		NextDueDate:  NewDate(2025, 4, 1),
		BillingCycle: CycleMonthly,
	}

	tests := []struct {
		name    string
		mutate  func(*Subscription)
		wantErr bool
	}{
		{"valid recurring", func(s *Subscription) {}, false},
		{"missing user", func(s *Subscription) { s.UserID = " " }, true},
		{"missing name", func(s *Subscription) { s.Name = "" }, true},
		{"missing due date", func(s *Subscription) { s.NextDueDate = Date{} }, true},
		{"bad cycle", func(s *Subscription) { s.BillingCycle = "sometimes" }, true},
		{"recurring without amount", func(s *Subscription) { s.Amount = decimal.Zero }, true},
		{
			"valid fixed term",
			func(s *Subscription) {
				s.PaymentType = PaymentFixedTerm
				s.Amount = decimal.Zero
				s.TotalLoanAmount = decimal.RequireFromString("1200.00")
				s.PayoffPeriodMonths = 12
			},
			false,
		},
		{
			"fixed term without payoff period",
			func(s *Subscription) {
				s.PaymentType = PaymentFixedTerm
				s.TotalLoanAmount = decimal.RequireFromString("1200.00")
				s.PayoffPeriodMonths = 0
			},
			true,
		},
		{
			"variable needs no amount",
			func(s *Subscription) {
				s.PaymentType = PaymentVariableRecurring
				s.Amount = decimal.Zero
			},
			false,
		},
		{"unknown payment type", func(s *Subscription) { s.PaymentType = "prepaid" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInstallmentAmount(t *testing.T) {
	t.Run("recurring returns fixed amount", func(t *testing.T) {
		s := Subscription{PaymentType: PaymentRecurring, Amount: decimal.RequireFromString("15.99")}
		got, err := s.InstallmentAmount()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.StringFixed(2) != "15.99" {
			t.Errorf("InstallmentAmount = %s, want 15.99", got.StringFixed(2))
		}
	})

	t.Run("fixed term divides loan across months", func(t *testing.T) {
		s := Subscription{
			PaymentType:        PaymentFixedTerm,
			TotalLoanAmount:    decimal.RequireFromString("1000.00"),
			PayoffPeriodMonths: 3,
		}
		got, err := s.InstallmentAmount()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.StringFixed(2) != "333.33" {
			t.Errorf("InstallmentAmount = %s, want 333.33", got.StringFixed(2))
		}
	})

	t.Run("variable has no installment", func(t *testing.T) {
		s := Subscription{PaymentType: PaymentVariableRecurring}
		if _, err := s.InstallmentAmount(); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("InstallmentAmount error = %v, want ErrInvalidAmount", err)
		}
	})
}

func TestGoalApplyContribution(t *testing.T) {
	g := Goal{
		TargetAmount:  decimal.RequireFromString("100.00"),
		CurrentAmount: decimal.RequireFromString("80.00"),
	}

	g.ApplyContribution(decimal.RequireFromString("10.00"))
	if g.IsCompleted {
		t.Error("goal marked completed at 90/100")
	}

	g.ApplyContribution(decimal.RequireFromString("10.00"))
	if !g.IsCompleted {
		t.Error("goal not marked completed at 100/100")
	}
	if g.CurrentAmount.StringFixed(2) != "100.00" {
		t.Errorf("CurrentAmount = %s, want 100.00", g.CurrentAmount.StringFixed(2))
	}

	// Overshoot stays completed
	g.ApplyContribution(decimal.RequireFromString("5.00"))
	if !g.IsCompleted {
		t.Error("goal lost completed flag after overshoot")
	}
}

func TestIncomeValidate(t *testing.T) {
	tests := []struct {
		name    string
		income  Income
		wantErr bool
	}{
		{
			name: "valid recurring",
			income: Income{
				UserID: "u1", SourceName: "Salary",
				Amount: decimal.RequireFromString("3000.00"), Frequency: FrequencyMonthly, IsRecurring: true,
			},
			wantErr: false,
		},
		{
			name: "recurring with one-time frequency",
			income: Income{
				UserID: "u1", SourceName: "Salary",
				Amount: decimal.RequireFromString("3000.00"), Frequency: FrequencyOneTime, IsRecurring: true,
			},
			wantErr: true,
		},
		{
			name: "valid one-time",
			income: Income{
				UserID: "u1", SourceName: "Bonus",
				Amount: decimal.RequireFromString("500.00"), Frequency: FrequencyOneTime,
				PaymentDate: NewDate(2025, 3, 14),
			},
			wantErr: false,
		},
		{
			name: "one-time without payment date",
			income: Income{
				UserID: "u1", SourceName: "Bonus",
				Amount: decimal.RequireFromString("500.00"), Frequency: FrequencyOneTime,
			},
			wantErr: true,
		},
		{
			name: "non-positive amount",
			income: Income{
				UserID: "u1", SourceName: "Salary",
				Amount: decimal.Zero, Frequency: FrequencyMonthly, IsRecurring: true,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.income.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGoalScheduleValidate(t *testing.T) {
	valid := GoalSchedule{UserID: "u1", GoalID: 1, Amount: decimal.RequireFromString("50.00"), DayOfMonth: 15}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}

	late := valid
	late.DayOfMonth = 29
	if err := late.Validate(); !errors.Is(err, ErrInvalidDayOfMonth) {
		t.Errorf("day 29 error = %v, want ErrInvalidDayOfMonth", err)
	}

	orphan := valid
	orphan.GoalID = 0
	if err := orphan.Validate(); !errors.Is(err, ErrGoalRequired) {
		t.Errorf("missing goal error = %v, want ErrGoalRequired", err)
	}
}
