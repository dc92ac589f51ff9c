package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/memstore"
	"horse.fit/greenhouse/internal/merge"
	"horse.fit/greenhouse/internal/reading"
)

var now = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func newTestService(store *memstore.Store, guard Guard) *Service {
	svc := NewService(store, guard, zerolog.Nop())
	svc.now = func() time.Time { return now }
	return svc
}

func insert(t *testing.T, store *memstore.Store, ts time.Time, fields reading.Fields) {
	t.Helper()
	if _, err := store.InsertReading(context.Background(), reading.Reading{RecordedAt: ts, Fields: fields}); err != nil {
		t.Fatalf("InsertReading() error = %v", err)
	}
}

func TestListNeverReturnsDuplicateTimestamps(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ts := now.Add(-time.Hour)
	insert(t, store, ts, reading.Fields{Temperature: f64(25)})
	insert(t, store, ts, reading.Fields{Humidity: f64(60)})
	insert(t, store, now.Add(-2*time.Hour), reading.Fields{Temperature: f64(19)})

	engine := merge.NewEngine(store, zerolog.Nop(), merge.EngineOptions{})
	svc := newTestService(store, engine.Guard)

	listing, err := svc.List(context.Background(), reading.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if !listing.Reconciled {
		t.Fatalf("guard should have reconciled the duplicate pair")
	}
	seen := map[time.Time]bool{}
	for _, item := range listing.Items {
		if seen[item.RecordedAt] {
			t.Fatalf("duplicate timestamp %s in listing", item.RecordedAt)
		}
		seen[item.RecordedAt] = true
	}
	if listing.Total != 2 || listing.Items[0].Temperature == nil || listing.Items[0].Humidity == nil {
		t.Fatalf("unexpected listing: %+v", listing)
	}
}

func TestListDefaultsAndPagination(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	for i := 0; i < 5; i++ {
		insert(t, store, now.Add(-time.Duration(i+1)*time.Hour), reading.Fields{Temperature: f64(float64(20 + i))})
	}
	insert(t, store, now.Add(-48*time.Hour), reading.Fields{Temperature: f64(10)})

	svc := newTestService(store, nil)
	listing, err := svc.List(context.Background(), reading.Filter{Limit: 2, Page: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if listing.Total != 5 {
		t.Fatalf("default window should exclude readings older than 24h: total=%d", listing.Total)
	}
	if listing.TotalPages != 3 || !listing.HasNext || !listing.HasPrev {
		t.Fatalf("unexpected pagination: %+v", listing)
	}
	if len(listing.Items) != 2 || *listing.Items[0].Temperature != 22 {
		t.Fatalf("unexpected page contents: %+v", listing.Items)
	}
	if listing.Sort != reading.SortDesc || !listing.From.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("unexpected defaults: sort=%s from=%s", listing.Sort, listing.From)
	}
}

func TestNormalizeFilterClampsLimit(t *testing.T) {
	t.Parallel()

	svc := newTestService(memstore.New(), nil)
	got := svc.NormalizeFilter(reading.Filter{Limit: 10_000, Sort: "sideways"})
	if got.Limit != MaxLimit || got.Sort != reading.SortDesc || got.Page != 1 {
		t.Fatalf("unexpected normalized filter: %+v", got)
	}
}

type brokenStore struct {
	*memstore.Store
}

func (brokenStore) HasExactDuplicate(context.Context, reading.Scope) (bool, error) {
	return false, errors.New("connection reset")
}

func TestListServesReadWhenGuardFails(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	insert(t, store, now.Add(-time.Hour), reading.Fields{Temperature: f64(25)})

	engine := merge.NewEngine(brokenStore{Store: store}, zerolog.Nop(), merge.EngineOptions{})
	listing, err := newTestService(store, engine.Guard).List(context.Background(), reading.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if listing.Reconciled || listing.Total != 1 {
		t.Fatalf("unexpected listing: %+v", listing)
	}
}

func TestLatestAndCleanup(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	insert(t, store, now.Add(-40*24*time.Hour), reading.Fields{Temperature: f64(12)})
	insert(t, store, now.Add(-time.Minute), reading.Fields{Temperature: f64(24)})

	svc := newTestService(store, nil)
	latest, err := svc.Latest(context.Background(), "")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if *latest.Temperature != 24 {
		t.Fatalf("unexpected latest reading: %+v", latest)
	}

	res, err := svc.Cleanup(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if res.Deleted != 1 || store.Len() != 1 {
		t.Fatalf("unexpected cleanup result: %+v rows=%d", res, store.Len())
	}

	if _, err := svc.Latest(context.Background(), "other-device"); !errors.Is(err, reading.ErrNotFound) {
		t.Fatalf("unexpected error: got %v want ErrNotFound", err)
	}
}

func TestStatsReconcilesBeforeAggregating(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ts := now.Add(-time.Hour)
	insert(t, store, ts, reading.Fields{Temperature: f64(20.004)})
	insert(t, store, ts, reading.Fields{Humidity: f64(60)})
	insert(t, store, now.Add(-2*time.Hour), reading.Fields{Temperature: f64(23)})
	insert(t, store, now.Add(-72*time.Hour), reading.Fields{Temperature: f64(5)})

	engine := merge.NewEngine(store, zerolog.Nop(), merge.EngineOptions{})
	t.Cleanup(engine.Stop)

	report, err := newTestService(store, engine.Guard).Stats(context.Background(), reading.Scope{})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if !report.Reconciled || report.Total != 2 {
		t.Fatalf("duplicate pair should be merged before counting: %+v", report)
	}
	temp := report.Fields["temperature"]
	if temp.Avg == nil || *temp.Avg != 21.5 || *temp.Min != 20.004 || *temp.Max != 23 {
		t.Fatalf("unexpected temperature stats: %+v", temp)
	}
	if !report.From.Equal(now.Add(-DefaultLookback)) || !report.To.Equal(now) {
		t.Fatalf("unexpected default range: %s..%s", report.From, report.To)
	}
}

func TestExportWritesAllPages(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	for i := 0; i < MaxLimit+20; i++ {
		insert(t, store, now.Add(-time.Duration(i+1)*2*time.Minute), reading.Fields{Temperature: f64(float64(i))})
	}
	insert(t, store, now.Add(-10*time.Minute), reading.Fields{Temperature: f64(99)})

	engine := merge.NewEngine(store, zerolog.Nop(), merge.EngineOptions{})
	t.Cleanup(engine.Stop)

	var buf bytes.Buffer
	res, err := newTestService(store, engine.Guard).Export(context.Background(), &buf, reading.Filter{Sort: reading.SortAsc})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !res.Reconciled || res.Truncated {
		t.Fatalf("unexpected export result: %+v", res)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != MaxLimit+21 || res.Rows != MaxLimit+20 {
		t.Fatalf("unexpected row count: records=%d rows=%d", len(records), res.Rows)
	}
	if records[0][0] != "recorded_at" || records[0][2] != "temperature" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	seen := map[string]bool{}
	for _, rec := range records[1:] {
		if seen[rec[0]] {
			t.Fatalf("duplicate timestamp %s in export", rec[0])
		}
		seen[rec[0]] = true
	}
	first := records[1]
	if first[2] != "519" || first[3] != "" || first[9] != string(reading.QualityPartial) {
		t.Fatalf("unexpected oldest row: %v", first)
	}
}
