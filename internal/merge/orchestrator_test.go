package merge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/memstore"
	"horse.fit/greenhouse/internal/reading"
)

func newTestOrchestrator(store Store, opts OrchestratorOptions) *Orchestrator {
	return NewOrchestrator(NewFinder(store), NewResolver(store, zerolog.Nop(), opts.Clock), zerolog.Nop(), opts)
}

func TestRunPassExactThenNear(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, baseTime, reading.Fields{Temperature: f64(25)})
	seed(t, store, baseTime, reading.Fields{Humidity: f64(60)})
	seed(t, store, baseTime.Add(400*time.Millisecond), reading.Fields{SoilMoisture: intp(1)})
	seed(t, store, baseTime.Add(time.Hour), reading.Fields{Temperature: f64(19)})
	seed(t, store, baseTime.Add(time.Hour+90*time.Second), reading.Fields{Temperature: f64(20)})

	orch := newTestOrchestrator(store, OrchestratorOptions{})
	stats, err := orch.RunPass(context.Background(), PassOptions{Window: time.Minute})
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	if stats.ExactGroups != 1 || stats.NearGroups != 1 || stats.TotalDuplicates != 2 {
		t.Fatalf("unexpected group counts: %+v", stats)
	}
	if stats.ProcessedGroups != 2 || stats.MergedRecords != 2 || stats.DeletedRecords != 2 {
		t.Fatalf("unexpected merge counts: %+v", stats)
	}
	if stats.PassID == "" {
		t.Fatalf("expected pass id")
	}

	rows := store.All()
	if len(rows) != 3 {
		t.Fatalf("unexpected row count: got %d want 3", len(rows))
	}
	first := rows[0]
	if first.Temperature == nil || first.Humidity == nil || first.SoilMoisture == nil {
		t.Fatalf("near merge dropped fields: %+v", first.Fields)
	}
}

func TestRunPassExactOnlySkipsNearGroups(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, baseTime, reading.Fields{Temperature: f64(25)})
	seed(t, store, baseTime.Add(400*time.Millisecond), reading.Fields{Humidity: f64(60)})

	stats, err := newTestOrchestrator(store, OrchestratorOptions{}).RunPass(context.Background(), PassOptions{ExactOnly: true})
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	if stats.TotalDuplicates != 0 || store.Len() != 2 {
		t.Fatalf("exact-only pass must ignore near duplicates: stats=%+v rows=%d", stats, store.Len())
	}
}

func TestRunPassIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	for i := 0; i < 5; i++ {
		ts := baseTime.Add(time.Duration(i) * 10 * time.Minute)
		seed(t, store, ts, reading.Fields{Temperature: f64(20 + float64(i))})
		seed(t, store, ts, reading.Fields{Humidity: f64(50)})
		seed(t, store, ts.Add(300*time.Millisecond), reading.Fields{WaterLevel: intp(0)})
	}
	// A chain where each row is within the window of the next but the ends
	// are not.
	chain := baseTime.Add(2 * time.Hour)
	seed(t, store, chain, reading.Fields{Temperature: f64(22)})
	seed(t, store, chain.Add(50*time.Second), reading.Fields{Humidity: f64(45)})
	seed(t, store, chain.Add(100*time.Second), reading.Fields{WaterLevel: intp(1)})

	orch := newTestOrchestrator(store, OrchestratorOptions{Window: time.Minute})
	first, err := orch.RunPass(context.Background(), PassOptions{})
	if err != nil {
		t.Fatalf("first RunPass() error = %v", err)
	}
	if first.DeletedRecords != 12 {
		t.Fatalf("unexpected deletions on first pass: got %d want 12", first.DeletedRecords)
	}

	second, err := orch.RunPass(context.Background(), PassOptions{})
	if err != nil {
		t.Fatalf("second RunPass() error = %v", err)
	}
	if second.MergedRecords != 0 || second.DeletedRecords != 0 || second.TotalDuplicates != 0 {
		t.Fatalf("second pass must be a no-op: %+v", second)
	}

	rows := store.All()
	for i, row := range rows {
		if row.Temperature == nil || row.Humidity == nil || row.WaterLevel == nil {
			t.Fatalf("row %d lost fields: %+v", row.ID, row.Fields)
		}
		if i > 0 && row.RecordedAt.Sub(rows[i-1].RecordedAt) <= time.Minute {
			t.Fatalf("rows %d and %d survived within one window", rows[i-1].ID, row.ID)
		}
	}
	if len(rows) != 6 {
		t.Fatalf("unexpected survivor count: got %d want 6", len(rows))
	}
}

// racingSource runs a gate merge right after the finder has listed the
// duplicates, the way a concurrent ingestion would.
type racingSource struct {
	*memstore.Store
	gate     *Gate
	incoming reading.Reading

	once    sync.Once
	result  GateResult
	gateErr error
}

func (s *racingSource) ListExactDuplicates(ctx context.Context, scope reading.Scope) ([]reading.Reading, error) {
	rows, err := s.Store.ListExactDuplicates(ctx, scope)
	s.once.Do(func() {
		s.result, s.gateErr = s.gate.Check(ctx, s.incoming)
	})
	return rows, err
}

func TestRunPassKeepsFieldsMergedAfterScan(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, baseTime, reading.Fields{Temperature: f64(25)})
	seed(t, store, baseTime, reading.Fields{Temperature: f64(24), Humidity: f64(60)})

	source := &racingSource{
		Store:    store,
		gate:     NewGate(store, zerolog.Nop(), GateOptions{}),
		incoming: reading.Reading{RecordedAt: baseTime, Fields: reading.Fields{LightLevel: intp(1)}},
	}
	orch := NewOrchestrator(NewFinder(source), NewResolver(store, zerolog.Nop(), nil), zerolog.Nop(), OrchestratorOptions{})

	stats, err := orch.RunPass(context.Background(), PassOptions{ExactOnly: true})
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	if source.gateErr != nil || source.result.Action != ActionMerged {
		t.Fatalf("gate should merge into the listed row: %+v %v", source.result, source.gateErr)
	}
	if stats.DeletedRecords != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rows := store.All()
	if len(rows) != 1 {
		t.Fatalf("unexpected row count: got %d want 1", len(rows))
	}
	got := rows[0]
	if got.LightLevel == nil || *got.LightLevel != 1 {
		t.Fatalf("light_level merged by the gate was dropped by the pass: %+v", got.Fields)
	}
	if got.Temperature == nil || got.Humidity == nil {
		t.Fatalf("pass lost fields: %+v", got.Fields)
	}
}

func TestRunPassContinuesAfterGroupFailure(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	a := seed(t, store, baseTime, reading.Fields{Temperature: f64(25), Humidity: f64(50)})
	seed(t, store, baseTime, reading.Fields{})
	seed(t, store, baseTime.Add(time.Hour), reading.Fields{Temperature: f64(25)})
	seed(t, store, baseTime.Add(time.Hour), reading.Fields{Humidity: f64(60)})

	patcher := &failingPatcher{Store: store, failFor: map[int64]error{a.ID: errors.New("deadlock detected")}}
	orch := NewOrchestrator(NewFinder(store), NewResolver(patcher, zerolog.Nop(), nil), zerolog.Nop(), OrchestratorOptions{})

	stats, err := orch.RunPass(context.Background(), PassOptions{ExactOnly: true})
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	if stats.FailedGroups != 1 || stats.ProcessedGroups != 1 || stats.DeletedRecords != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

type failingSource struct{ err error }

func (s failingSource) ListExactDuplicates(context.Context, reading.Scope) ([]reading.Reading, error) {
	return nil, s.err
}

func (s failingSource) ListForNearScan(context.Context, reading.Scope) ([]reading.Reading, error) {
	return nil, s.err
}

func TestRunPassPropagatesStoreUnavailable(t *testing.T) {
	t.Parallel()

	unavailable := errors.New("connection refused")
	orch := NewOrchestrator(NewFinder(failingSource{err: unavailable}), NewResolver(memstore.New(), zerolog.Nop(), nil), zerolog.Nop(), OrchestratorOptions{})
	if _, err := orch.RunPass(context.Background(), PassOptions{}); !errors.Is(err, unavailable) {
		t.Fatalf("unexpected error: got %v want %v", err, unavailable)
	}
	if _, ok := orch.LastPass(); ok {
		t.Fatalf("failed pass must not be recorded as last pass")
	}
}

// blockingPatcher holds MergeRows until released so a pass stays active.
type blockingPatcher struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPatcher) MergeRows(ctx context.Context, ids []int64, plan reading.MergePlan) (reading.Patch, bool, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return p.Store.MergeRows(ctx, ids, plan)
}

func TestTryRunPassRejectsWhileBusy(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, baseTime, reading.Fields{Temperature: f64(25)})
	seed(t, store, baseTime, reading.Fields{Humidity: f64(60)})

	patcher := &blockingPatcher{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	orch := NewOrchestrator(NewFinder(store), NewResolver(patcher, zerolog.Nop(), nil), zerolog.Nop(), OrchestratorOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := orch.RunPass(context.Background(), PassOptions{ExactOnly: true})
		done <- err
	}()
	<-patcher.entered

	if !orch.Busy() {
		t.Fatalf("orchestrator should report busy")
	}
	if _, err := orch.TryRunPass(context.Background(), PassOptions{}); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("unexpected error: got %v want ErrPassInProgress", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := orch.RunPass(ctx, PassOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued pass should give up with its context: got %v", err)
	}

	close(patcher.release)
	if err := <-done; err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}

	stats, err := orch.TryRunPass(context.Background(), PassOptions{})
	if err != nil {
		t.Fatalf("TryRunPass() after release error = %v", err)
	}
	if stats.TotalDuplicates != 0 {
		t.Fatalf("unexpected duplicates after first pass: %+v", stats)
	}
}

func TestRunPassQueuesConcurrentCallers(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	for i := 0; i < 20; i++ {
		ts := baseTime.Add(time.Duration(i) * time.Hour)
		seed(t, store, ts, reading.Fields{Temperature: f64(20)})
		seed(t, store, ts, reading.Fields{Humidity: f64(40)})
	}
	orch := newTestOrchestrator(store, OrchestratorOptions{})

	var wg sync.WaitGroup
	results := make(chan Statistics, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := orch.RunPass(context.Background(), PassOptions{})
			if err != nil {
				t.Errorf("RunPass() error = %v", err)
				return
			}
			results <- stats
		}()
	}
	wg.Wait()
	close(results)

	deleted := 0
	for stats := range results {
		deleted += stats.DeletedRecords
	}
	if deleted != 20 || store.Len() != 20 {
		t.Fatalf("concurrent passes double-resolved groups: deleted=%d rows=%d", deleted, store.Len())
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	stats []Statistics
}

func (n *recordingNotifier) PassCompleted(stats Statistics) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats = append(n.stats, stats)
}

func TestRunPassNotifiesOnlyWhenDataChanged(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, baseTime, reading.Fields{Temperature: f64(25)})
	seed(t, store, baseTime, reading.Fields{Humidity: f64(60)})

	orch := newTestOrchestrator(store, OrchestratorOptions{})
	notifier := &recordingNotifier{}
	orch.AddNotifier(notifier)

	for i := 0; i < 2; i++ {
		if _, err := orch.RunPass(context.Background(), PassOptions{}); err != nil {
			t.Fatalf("RunPass() error = %v", err)
		}
	}
	if len(notifier.stats) != 1 {
		t.Fatalf("unexpected notification count: got %d want 1", len(notifier.stats))
	}
	last, ok := orch.LastPass()
	if !ok || last.DeletedRecords != 0 {
		t.Fatalf("last pass should be the no-op second pass: %+v", last)
	}
}

func TestRunPassNearLookbackLimitsScan(t *testing.T) {
	t.Parallel()

	now := baseTime.Add(48 * time.Hour)
	store := memstore.New()
	seed(t, store, baseTime, reading.Fields{Temperature: f64(25)})
	seed(t, store, baseTime.Add(time.Second), reading.Fields{Humidity: f64(60)})
	seed(t, store, now.Add(-time.Minute), reading.Fields{Temperature: f64(22)})
	seed(t, store, now.Add(-time.Minute+time.Second), reading.Fields{Humidity: f64(40)})

	orch := newTestOrchestrator(store, OrchestratorOptions{NearLookback: time.Hour, Clock: fixedClock(now)})
	stats, err := orch.RunPass(context.Background(), PassOptions{})
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	if stats.NearGroups != 1 || store.Len() != 3 {
		t.Fatalf("lookback should only merge the recent pair: stats=%+v rows=%d", stats, store.Len())
	}
}
