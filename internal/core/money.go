// Package core holds the domain model of the budgeting engine.
//
// This file contains parsing and helpers for monetary amounts. All money in
// the system is fixed-point decimal (shopspring/decimal); float64 is never
// used for amounts because repeated automated postings would accumulate
// rounding error.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a user-supplied decimal string to a positive amount
// rounded to 2 decimal places.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators. Returns
// ErrInvalidAmount for malformed input, negative values, or zero.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34, nil
//	ParseAmount("12,34")  -> 12.34, nil
//	ParseAmount("12.346") -> 12.35, nil (rounds half-up)
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		// Only positive values allowed
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// FormatAmount renders an amount with exactly two decimal places for display
// and storage.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
