package core

import "time"

// Advance moves a due date forward by one billing cycle. The result is
// always strictly after d.
//
// Monthly, quarterly and yearly advances use calendar month arithmetic with
// the day-of-month clamped to the last day of the target month, so
// Jan 31 + 1 month is Feb 29 (or 28), never March 2. Naive AddDate would
// overflow into the following month.
func Advance(d Date, cycle BillingCycle) Date {
	switch cycle {
	case CycleWeekly:
		return Date{Time: d.AddDate(0, 0, 7)}
	case CycleBiWeekly:
		return Date{Time: d.AddDate(0, 0, 14)}
	case CycleQuarterly:
		return addMonthsClamped(d, 3)
	case CycleYearly:
		return addMonthsClamped(d, 12)
	default:
		// monthly is the common case and the fallback
		return addMonthsClamped(d, 1)
	}
}

func addMonthsClamped(d Date, months int) Date {
	// Anchor on the first of the month so AddDate cannot overflow, then
	// restore the day clamped to the target month's length.
	first := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, d.Location()).AddDate(0, months, 0)
	day := d.Day()
	if last := lastDayOfMonth(first); day > last {
		day = last
	}
	return Date{Time: time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, d.Location())}
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// MonthStart returns the first day of t's month.
func MonthStart(t time.Time) Date {
	return NewDate(t.Year(), int(t.Month()), 1)
}

// MonthEnd returns the last day of t's month.
func MonthEnd(t time.Time) Date {
	return NewDate(t.Year(), int(t.Month()), lastDayOfMonth(time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)))
}

// PrevMonthStart returns the first day of the month before t's month.
func PrevMonthStart(t time.Time) Date {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	prev := first.AddDate(0, -1, 0)
	return NewDate(prev.Year(), int(prev.Month()), 1)
}
