// Package memstore keeps readings in process memory. It backs the "memory"
// storage driver and doubles as the store in tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/reading"
)

type Store struct {
	mu     sync.RWMutex
	rows   map[int64]reading.Reading
	nextID int64
	now    func() time.Time
}

func New() *Store {
	return NewWithClock(globaltime.UTC)
}

func NewWithClock(now func() time.Time) *Store {
	if now == nil {
		now = globaltime.UTC
	}
	return &Store{
		rows: make(map[int64]reading.Reading),
		now:  now,
	}
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) InsertReading(_ context.Context, r reading.Reading) (reading.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.nextID++
	r.ID = s.nextID
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	r.RecordedAt = reading.NormalizeTime(r.RecordedAt)
	if r.DeviceID == "" {
		r.DeviceID = reading.DefaultDeviceID
	}
	if !r.Quality.Valid() {
		r.Quality = r.Fields.InitialQuality()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Fields = r.Fields.Clone()

	s.rows[r.ID] = r
	return copyReading(r), nil
}

func (s *Store) GetReading(_ context.Context, id int64) (reading.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return reading.Reading{}, reading.ErrNotFound
	}
	return copyReading(r), nil
}

// All returns every row ordered by timestamp then id.
func (s *Store) All() []reading.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(reading.Scope{}, true)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) ListExactDuplicates(_ context.Context, scope reading.Scope) ([]reading.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.sortedLocked(scope, true)
	counts := make(map[int64]int, len(rows))
	for _, r := range rows {
		counts[r.RecordedAt.UnixNano()]++
	}
	out := make([]reading.Reading, 0)
	for _, r := range rows {
		if counts[r.RecordedAt.UnixNano()] > 1 {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListForNearScan(_ context.Context, scope reading.Scope) ([]reading.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(scope, true), nil
}

func (s *Store) HasExactDuplicate(_ context.Context, scope reading.Scope) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{}, len(s.rows))
	for _, r := range s.rows {
		if !scope.Contains(r) {
			continue
		}
		key := r.RecordedAt.UnixNano()
		if _, dup := seen[key]; dup {
			return true, nil
		}
		seen[key] = struct{}{}
	}
	return false, nil
}

func (s *Store) FindByTimestamp(_ context.Context, ts time.Time) (reading.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts = reading.NormalizeTime(ts)
	var found *reading.Reading
	for _, r := range s.rows {
		if !r.RecordedAt.Equal(ts) {
			continue
		}
		if found == nil || r.ID < found.ID {
			row := r
			found = &row
		}
	}
	if found == nil {
		return reading.Reading{}, reading.ErrNotFound
	}
	return copyReading(*found), nil
}

func (s *Store) FindInRange(_ context.Context, from, to time.Time) ([]reading.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reading.Reading, 0)
	for _, r := range s.sortedLocked(reading.Scope{}, true) {
		if r.RecordedAt.Before(from) || !r.RecordedAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// MergeRows hands the current state of ids to plan and applies the patch it
// returns, all under the write lock. Ids that no longer exist are skipped.
func (s *Store) MergeRows(_ context.Context, ids []int64, plan reading.MergePlan) (reading.Patch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make([]reading.Reading, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r, ok := s.rows[id]; ok {
			current = append(current, copyReading(r))
		}
	}
	sort.Slice(current, func(i, j int) bool { return current[i].ID < current[j].ID })

	patch, ok := plan(current)
	if !ok {
		return reading.Patch{}, false, nil
	}
	if err := patch.Validate(current); err != nil {
		return reading.Patch{}, false, err
	}

	survivor := s.rows[patch.SurvivorID]
	mergedAt := patch.Meta.MergedAt
	survivor.Fields = patch.Fields.Clone()
	survivor.Quality = patch.Meta.Quality
	survivor.MergedFrom = patch.Meta.MergedFrom
	survivor.MergedAt = &mergedAt
	if patch.Meta.OriginalTimestamp != nil {
		original := *patch.Meta.OriginalTimestamp
		survivor.OriginalTimestamp = &original
	}
	survivor.DuplicatesRemoved = patch.Meta.DuplicatesRemoved
	survivor.UpdatedAt = s.now().UTC()
	s.rows[survivor.ID] = survivor

	for _, id := range patch.DeleteIDs {
		delete(s.rows, id)
	}
	return patch, true, nil
}

func (s *Store) ListReadings(_ context.Context, filter reading.Filter) (reading.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asc := filter.Sort == reading.SortAsc
	matched := make([]reading.Reading, 0)
	for _, r := range s.sortedLocked(filter.Scope, asc) {
		if filter.Matches(r) {
			matched = append(matched, r)
		}
	}

	page := reading.Page{Total: int64(len(matched)), Items: []reading.Reading{}}
	offset := filter.Offset()
	if offset >= len(matched) {
		return page, nil
	}
	end := len(matched)
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	page.Items = matched[offset:end]
	return page, nil
}

func (s *Store) LatestReading(_ context.Context, scope reading.Scope) (reading.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.sortedLocked(scope, false)
	if len(rows) == 0 {
		return reading.Reading{}, reading.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) ReadingStats(_ context.Context, scope reading.Scope) (reading.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reading.Summarize(s.sortedLocked(scope, true)), nil
}

func (s *Store) DeleteReadingsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, r := range s.rows {
		if r.RecordedAt.Before(cutoff) {
			delete(s.rows, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) sortedLocked(scope reading.Scope, asc bool) []reading.Reading {
	out := make([]reading.Reading, 0, len(s.rows))
	for _, r := range s.rows {
		if scope.Contains(r) {
			out = append(out, copyReading(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.RecordedAt.Equal(b.RecordedAt) {
			if asc {
				return a.RecordedAt.Before(b.RecordedAt)
			}
			return a.RecordedAt.After(b.RecordedAt)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	return out
}

func copyReading(r reading.Reading) reading.Reading {
	r.Fields = r.Fields.Clone()
	if r.MergedAt != nil {
		v := *r.MergedAt
		r.MergedAt = &v
	}
	if r.OriginalTimestamp != nil {
		v := *r.OriginalTimestamp
		r.OriginalTimestamp = &v
	}
	return r
}
