package records

import "time"

// startOfMonth is midnight UTC on the first day of the month containing now.
func startOfMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// isInactiveThisMonth reports whether a change to a row last modified at previous is billable.
// A row is billed at most once per calendar month, approximated by its previous updated_at
// falling before the current UTC month. Rows with no previous timestamp are billable.
func isInactiveThisMonth(previous *time.Time, now time.Time) bool {
	if previous == nil {
		return true
	}
	return previous.UTC().Before(startOfMonth(now))
}
