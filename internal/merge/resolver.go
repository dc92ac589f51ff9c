package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/reading"
)

// GroupResult reports the effect of resolving one group. A failed group
// reports zero merged and deleted rows together with the cause.
type GroupResult struct {
	SurvivorID int64
	Merged     int
	Deleted    int
	Err        error
}

type Resolver struct {
	patcher Patcher
	logger  zerolog.Logger
	now     Clock
}

func NewResolver(patcher Patcher, logger zerolog.Logger, now Clock) *Resolver {
	if now == nil {
		now = globaltime.UTC
	}
	return &Resolver{
		patcher: patcher,
		logger:  logger.With().Str("component", "merge_resolver").Logger(),
		now:     now,
	}
}

// Resolve keeps the most complete member of g, folds every other member's
// fields into it and deletes the rest in a single store call. Ranking and
// field resolution run on the members' state at apply time, so values merged
// into a member after g was found are kept. A group that no longer has two
// members by then is skipped.
func (r *Resolver) Resolve(ctx context.Context, g Group) GroupResult {
	if r == nil || r.patcher == nil {
		return GroupResult{Err: fmt.Errorf("merge resolver is not initialized")}
	}
	if len(g.Members) < 2 {
		return GroupResult{}
	}

	ids := make([]int64, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.ID)
	}

	patch, applied, err := r.patcher.MergeRows(ctx, ids, r.plan)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("kind", string(g.Kind)).
			Time("key", g.Key).
			Int("members", len(ids)).
			Msg("merge group failed")
		return GroupResult{Err: err}
	}
	if !applied {
		r.logger.Debug().
			Str("kind", string(g.Kind)).
			Time("key", g.Key).
			Msg("merge group dissolved before apply")
		return GroupResult{}
	}

	r.logger.Debug().
		Str("kind", string(g.Kind)).
		Time("key", g.Key).
		Int64("survivor_id", patch.SurvivorID).
		Int("deleted", len(patch.DeleteIDs)).
		Msg("merge group resolved")

	return GroupResult{
		SurvivorID: patch.SurvivorID,
		Merged:     1,
		Deleted:    len(patch.DeleteIDs),
	}
}

func (r *Resolver) plan(current []reading.Reading) (reading.Patch, bool) {
	if len(current) < 2 {
		return reading.Patch{}, false
	}
	ranked := RankMembers(current)
	survivor := ranked[0]

	candidates := make([]reading.Fields, 0, len(ranked))
	deleteIDs := make([]int64, 0, len(ranked)-1)
	for i, member := range ranked {
		candidates = append(candidates, member.Fields)
		if i > 0 {
			deleteIDs = append(deleteIDs, member.ID)
		}
	}

	original := survivor.RecordedAt
	if survivor.OriginalTimestamp != nil {
		original = *survivor.OriginalTimestamp
	}

	return reading.Patch{
		SurvivorID: survivor.ID,
		Fields:     ResolveFields(candidates),
		Meta: reading.MergeMeta{
			Quality:           reading.QualityMergedEnhanced,
			MergedFrom:        len(ranked),
			MergedAt:          r.now().UTC(),
			OriginalTimestamp: &original,
			DuplicatesRemoved: len(ranked) - 1,
		},
		DeleteIDs: deleteIDs,
	}, true
}

// RankMembers orders members survivor first: highest completeness score,
// then latest timestamp, then latest creation, then highest id.
func RankMembers(members []reading.Reading) []reading.Reading {
	type scored struct {
		row   reading.Reading
		score int
	}
	items := make([]scored, 0, len(members))
	for _, m := range members {
		items = append(items, scored{row: m, score: CompletenessScore(m.Fields)})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.row.RecordedAt.Equal(b.row.RecordedAt) {
			return a.row.RecordedAt.After(b.row.RecordedAt)
		}
		if !a.row.CreatedAt.Equal(b.row.CreatedAt) {
			return a.row.CreatedAt.After(b.row.CreatedAt)
		}
		return a.row.ID > b.row.ID
	})

	out := make([]reading.Reading, 0, len(items))
	for _, it := range items {
		out = append(out, it.row)
	}
	return out
}
