package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"horse.fit/greenhouse/internal/reading"
)

const (
	DefaultNearWindow     = 60 * time.Second
	DefaultNearBatchLimit = 200
)

type GroupKind string

const (
	GroupKindExact GroupKind = "exact"
	GroupKindNear  GroupKind = "near"
)

// Group is a set of rows that describe the same sampling instant. Key is the
// shared timestamp for exact groups and the window anchor for near groups.
type Group struct {
	Kind    GroupKind
	Key     time.Time
	Members []reading.Reading
}

type Finder struct {
	source GroupSource
}

func NewFinder(source GroupSource) *Finder {
	return &Finder{source: source}
}

// ExactGroups returns groups of two or more rows sharing a timestamp.
func (f *Finder) ExactGroups(ctx context.Context, scope reading.Scope) ([]Group, error) {
	if f == nil || f.source == nil {
		return nil, fmt.Errorf("duplicate finder is not initialized")
	}
	rows, err := f.source.ListExactDuplicates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list exact duplicates: %w", err)
	}
	return GroupExactRows(rows), nil
}

// NearGroups returns at most limit groups of rows within window of their anchor.
func (f *Finder) NearGroups(ctx context.Context, scope reading.Scope, window time.Duration, limit int) ([]Group, error) {
	if f == nil || f.source == nil {
		return nil, fmt.Errorf("duplicate finder is not initialized")
	}
	rows, err := f.source.ListForNearScan(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list rows for near scan: %w", err)
	}
	return GroupNear(rows, window, limit), nil
}

// GroupExactRows buckets rows by identical timestamp and drops singletons.
func GroupExactRows(rows []reading.Reading) []Group {
	sorted := sortedByTime(rows)

	var groups []Group
	for i := 0; i < len(sorted); {
		j := i + 1
		for j < len(sorted) && sorted[j].RecordedAt.Equal(sorted[i].RecordedAt) {
			j++
		}
		if j-i >= 2 {
			groups = append(groups, Group{
				Kind:    GroupKindExact,
				Key:     sorted[i].RecordedAt,
				Members: sorted[i:j:j],
			})
		}
		i = j
	}
	return groups
}

// GroupNear sweeps rows once in timestamp order. Each ungrouped row anchors a
// group that absorbs every following row within window of the anchor; the
// inner scan stops at the first row outside the window. Only groups of two or
// more are returned, and at most limit of them when limit > 0.
func GroupNear(rows []reading.Reading, window time.Duration, limit int) []Group {
	if window < 0 {
		window = 0
	}
	sorted := sortedByTime(rows)
	grouped := make([]bool, len(sorted))

	var groups []Group
	for i := range sorted {
		if grouped[i] {
			continue
		}
		anchor := sorted[i].RecordedAt
		members := []reading.Reading{sorted[i]}
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].RecordedAt.Sub(anchor) > window {
				break
			}
			if grouped[j] {
				continue
			}
			grouped[j] = true
			members = append(members, sorted[j])
		}
		grouped[i] = true
		if len(members) < 2 {
			continue
		}
		groups = append(groups, Group{Kind: GroupKindNear, Key: anchor, Members: members})
		if limit > 0 && len(groups) >= limit {
			break
		}
	}
	return groups
}

func sortedByTime(rows []reading.Reading) []reading.Reading {
	out := make([]reading.Reading, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
