package domain

import "time"

// UsageRecord mirrors the persisted per-user monthly usage document.
// CountByDay maps day-of-month (as a string key, "1".."31") to the
// cumulative tokens consumed that day. Counts only ever increase
// within a month.
type UsageRecord struct {
	Owner      string
	YearMonth  string
	CountByDay map[string]int
}

// AuditEntry is a best-effort record of one backend call. Writing it
// must never fail the operation that produced it.
type AuditEntry struct {
	ID         string
	Owner      string
	Endpoint   string
	PromptSize int
	TokensUsed int
	Timestamp  time.Time
}
