package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultDailyTokenLimit = 70000

// UsageStore is the transactional usage persistence consumed by the
// ledger. CommitDailyUsage must be serializable against concurrent
// commits for the same (owner, day); a plain read-then-write is not
// an acceptable implementation.
type UsageStore interface {
	DailyUsage(ctx context.Context, owner string, day time.Time) (int, error)
	CommitDailyUsage(ctx context.Context, owner string, day time.Time, delta int) (int, error)
}

// Admission is the answer to a pre-call quota question.
type Admission struct {
	Allowed bool
	Used    int
	Limit   int
}

// Ledger enforces the per-user daily token quota on top of a
// transactional usage store.
type Ledger struct {
	store UsageStore
	limit int
}

// NewLedger creates a Ledger with the given daily token limit. A
// non-positive limit falls back to the default.
func NewLedger(store UsageStore, limit int) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("usecase: usage store must not be nil")
	}
	if limit <= 0 {
		limit = defaultDailyTokenLimit
	}
	return &Ledger{store: store, limit: limit}, nil
}

// Limit returns the configured daily token limit.
func (l *Ledger) Limit() int {
	return l.limit
}

// CheckAdmission reads the owner's usage for the given day and reports
// whether a new turn may start. Read-only; a store failure propagates
// rather than being treated as zero usage or as a block.
func (l *Ledger) CheckAdmission(ctx context.Context, owner string, day time.Time) (Admission, error) {
	used, err := l.store.DailyUsage(ctx, owner, day)
	if err != nil {
		return Admission{}, fmt.Errorf("usecase: admission check: %w", err)
	}
	return Admission{Allowed: used < l.limit, Used: used, Limit: l.limit}, nil
}

// WouldExceed reports whether charging cost on top of used would push
// the owner past the daily limit. Used for the post-generation check
// with the actual token cost.
func (l *Ledger) WouldExceed(used, cost int) bool {
	return used+cost > l.limit
}

// Commit atomically adds delta to the owner's counter for the given
// day and returns the new total.
func (l *Ledger) Commit(ctx context.Context, owner string, day time.Time, delta int) (int, error) {
	total, err := l.store.CommitDailyUsage(ctx, owner, day, delta)
	if err != nil {
		return 0, fmt.Errorf("usecase: ledger commit: %w", err)
	}
	return total, nil
}
