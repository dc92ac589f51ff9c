package merge

import (
	"context"
	"sync"
	"testing"
	"time"

	"horse.fit/greenhouse/internal/memstore"
	"horse.fit/greenhouse/internal/reading"
)

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }
func boolp(v bool) *bool     { return &v }

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// manualClock is a settable clock safe for concurrent reads.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seed(t *testing.T, store *memstore.Store, ts time.Time, fields reading.Fields) reading.Reading {
	t.Helper()
	row, err := store.InsertReading(context.Background(), reading.Reading{
		RecordedAt: ts,
		Source:     reading.SourceAPI,
		Fields:     fields,
	})
	if err != nil {
		t.Fatalf("InsertReading() error = %v", err)
	}
	return row
}

// failingPatcher wraps a store and fails MergeRows for groups containing
// selected rows.
type failingPatcher struct {
	*memstore.Store
	failFor map[int64]error
}

func (p *failingPatcher) MergeRows(ctx context.Context, ids []int64, plan reading.MergePlan) (reading.Patch, bool, error) {
	for _, id := range ids {
		if err, ok := p.failFor[id]; ok {
			return reading.Patch{}, false, err
		}
	}
	return p.Store.MergeRows(ctx, ids, plan)
}

type stubRunner struct {
	mu        sync.Mutex
	runs      []PassOptions
	tryRuns   []PassOptions
	tryErr    error
	runErr    error
	blockTill chan struct{}
}

func (r *stubRunner) RunPass(_ context.Context, opts PassOptions) (Statistics, error) {
	r.mu.Lock()
	r.runs = append(r.runs, opts)
	err := r.runErr
	r.mu.Unlock()
	return Statistics{}, err
}

func (r *stubRunner) TryRunPass(_ context.Context, opts PassOptions) (Statistics, error) {
	r.mu.Lock()
	r.tryRuns = append(r.tryRuns, opts)
	err := r.tryErr
	block := r.blockTill
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return Statistics{}, err
}

func (r *stubRunner) tryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tryRuns)
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type stubChecker struct {
	found bool
	err   error
	calls int
	scope reading.Scope
}

func (p *stubChecker) HasExactDuplicate(_ context.Context, scope reading.Scope) (bool, error) {
	p.calls++
	p.scope = scope
	return p.found, p.err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
