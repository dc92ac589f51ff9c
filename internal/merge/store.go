package merge

import (
	"context"
	"time"

	"horse.fit/greenhouse/internal/reading"
)

// GroupSource feeds the duplicate group finder.
type GroupSource interface {
	// ListExactDuplicates returns every row in scope whose timestamp is shared
	// with at least one other row.
	ListExactDuplicates(ctx context.Context, scope reading.Scope) ([]reading.Reading, error)
	// ListForNearScan returns every row in scope ordered by timestamp.
	ListForNearScan(ctx context.Context, scope reading.Scope) ([]reading.Reading, error)
}

// DuplicateChecker answers the cheap "is there any duplicate at all" question.
type DuplicateChecker interface {
	HasExactDuplicate(ctx context.Context, scope reading.Scope) (bool, error)
}

// Patcher applies a merge atomically against the rows as they are at apply
// time, not as a finder saw them.
type Patcher interface {
	// MergeRows locks the rows named by ids, passes their current state to
	// plan and applies the returned patch in the same atomic step. It reports
	// the applied patch and false when plan declined.
	MergeRows(ctx context.Context, ids []int64, plan reading.MergePlan) (reading.Patch, bool, error)
}

// PointLookup serves the pre-write gate's indexed lookups.
type PointLookup interface {
	// FindByTimestamp returns the oldest row at exactly ts, or reading.ErrNotFound.
	FindByTimestamp(ctx context.Context, ts time.Time) (reading.Reading, error)
	// FindInRange returns rows with from <= timestamp < to, oldest first.
	FindInRange(ctx context.Context, from, to time.Time) ([]reading.Reading, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	GroupSource
	DuplicateChecker
	Patcher
	PointLookup
}

// Clock returns the current instant.
type Clock func() time.Time
