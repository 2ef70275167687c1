package types

import (
	"time"
)

// PeriodLayout is the UTC calendar-day key of a usage record.
const PeriodLayout = "2006-01-02"

// PeriodKey returns the UTC day that t falls in.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// NextPeriodStart returns the next UTC midnight after t.
func NextPeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// UsageRecord is one subject's metered count for one UTC day.
type UsageRecord struct {
	SubjectKey string `json:"subjectKey"`
	Count      int64  `json:"count"`
	PeriodKey  string `json:"periodKey"`
}

// Decision is the result of a gate check. It never outlives the request.
type Decision struct {
	Allowed      bool   // request may proceed
	Unlimited    bool   // caller supplied a personal credential, nothing was counted
	Count        int64  // count after this decision (consume) or current count (admit)
	Limit        int64  // applicable daily limit, 0 when not daily metered
	Remaining    int64  // limit - count, never negative
	RetryAfterMs int64  // suggested retry delay on rejection
	Reason       string // decision reason
}
