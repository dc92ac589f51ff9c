package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/reading"
)

type Action string

const (
	ActionInsert Action = "insert"
	ActionMerged Action = "merged"
)

// GateResult tells the ingestion path what happened to an incoming reading.
// Reading holds the updated stored row when Action is ActionMerged.
type GateResult struct {
	Action  Action
	Reading *reading.Reading
	Removed int
}

type gateStore interface {
	PointLookup
	Patcher
}

type GateOptions struct {
	// SecondWindow also merges into rows in the incoming reading's
	// wall-clock second when no exact match exists.
	SecondWindow bool
	Clock        Clock
}

// Gate merges an incoming reading into an existing row at the same instant
// instead of letting a duplicate be inserted.
type Gate struct {
	store  gateStore
	logger zerolog.Logger
	opts   GateOptions
}

func NewGate(store gateStore, logger zerolog.Logger, opts GateOptions) *Gate {
	if opts.Clock == nil {
		opts.Clock = globaltime.UTC
	}
	return &Gate{
		store:  store,
		logger: logger.With().Str("component", "merge_gate").Logger(),
		opts:   opts,
	}
}

// gateAttempts bounds how often Check looks up a new target after the
// previous one was absorbed by a concurrent pass.
const gateAttempts = 3

func (g *Gate) Check(ctx context.Context, incoming reading.Reading) (GateResult, error) {
	if g == nil || g.store == nil {
		return GateResult{}, fmt.Errorf("merge gate is not initialized")
	}
	ts := reading.NormalizeTime(incoming.RecordedAt)

	for attempt := 0; attempt < gateAttempts; attempt++ {
		target, extra, err := g.lookup(ctx, ts)
		if err != nil {
			return GateResult{}, err
		}
		if target == nil {
			return GateResult{Action: ActionInsert}, nil
		}
		res, ok, err := g.mergeInto(ctx, *target, incoming, extra)
		if err != nil {
			return GateResult{}, err
		}
		if ok {
			return res, nil
		}
		g.logger.Debug().
			Int64("reading_id", target.ID).
			Int("attempt", attempt+1).
			Msg("merge target vanished, looking up again")
	}
	return GateResult{Action: ActionInsert}, nil
}

// lookup finds the row to merge into and, in second-window mode, the other
// rows in the same second. A nil target means nothing matches.
func (g *Gate) lookup(ctx context.Context, ts time.Time) (*reading.Reading, []reading.Reading, error) {
	existing, err := g.store.FindByTimestamp(ctx, ts)
	switch {
	case err == nil:
		return &existing, nil, nil
	case !errors.Is(err, reading.ErrNotFound):
		return nil, nil, fmt.Errorf("lookup reading at %s: %w", ts.Format(time.RFC3339Nano), err)
	}

	if !g.opts.SecondWindow {
		return nil, nil, nil
	}

	from := ts.Truncate(time.Second)
	matches, err := g.store.FindInRange(ctx, from, from.Add(time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("lookup readings in second %s: %w", from.Format(time.RFC3339), err)
	}
	if len(matches) == 0 {
		return nil, nil, nil
	}
	return &matches[0], matches[1:], nil
}

// mergeInto folds incoming and the extra rows into target using their values
// at apply time. It reports false when target no longer exists.
func (g *Gate) mergeInto(ctx context.Context, target, incoming reading.Reading, extra []reading.Reading) (GateResult, bool, error) {
	ids := make([]int64, 0, 1+len(extra))
	ids = append(ids, target.ID)
	for _, row := range extra {
		ids = append(ids, row.ID)
	}
	now := g.opts.Clock().UTC()

	var updated reading.Reading
	patch, applied, err := g.store.MergeRows(ctx, ids, func(current []reading.Reading) (reading.Patch, bool) {
		var others []reading.Reading
		found := false
		for _, row := range current {
			if row.ID == target.ID {
				updated, found = row, true
				continue
			}
			others = append(others, row)
		}
		if !found {
			return reading.Patch{}, false
		}
		return gatePatch(updated, incoming, others, now), true
	})
	if err != nil {
		return GateResult{}, false, fmt.Errorf("merge into reading %d: %w", target.ID, err)
	}
	if !applied {
		return GateResult{}, false, nil
	}

	updated.Fields = patch.Fields
	updated.Quality = patch.Meta.Quality
	updated.MergedFrom = patch.Meta.MergedFrom
	updated.MergedAt = &now
	updated.OriginalTimestamp = patch.Meta.OriginalTimestamp
	updated.DuplicatesRemoved = patch.Meta.DuplicatesRemoved
	updated.UpdatedAt = now

	g.logger.Debug().
		Int64("reading_id", target.ID).
		Time("recorded_at", updated.RecordedAt).
		Int("removed", len(patch.DeleteIDs)).
		Msg("incoming reading merged into existing row")

	return GateResult{Action: ActionMerged, Reading: &updated, Removed: len(patch.DeleteIDs)}, true, nil
}

// gatePatch keeps target's values first, then the incoming reading's, then
// the other rows'. A target already tagged merged_enhanced keeps that tag.
func gatePatch(target, incoming reading.Reading, others []reading.Reading, now time.Time) reading.Patch {
	candidates := make([]reading.Fields, 0, 2+len(others))
	candidates = append(candidates, target.Fields, incoming.Fields)
	deleteIDs := make([]int64, 0, len(others))
	for _, row := range others {
		candidates = append(candidates, row.Fields)
		deleteIDs = append(deleteIDs, row.ID)
	}

	original := target.RecordedAt
	if target.OriginalTimestamp != nil {
		original = *target.OriginalTimestamp
	}
	absorbed := target.MergedFrom
	if absorbed < 1 {
		absorbed = 1
	}
	quality := reading.QualityMerged
	if target.Quality == reading.QualityMergedEnhanced {
		quality = reading.QualityMergedEnhanced
	}

	return reading.Patch{
		SurvivorID: target.ID,
		Fields:     ResolveFields(candidates),
		Meta: reading.MergeMeta{
			Quality:           quality,
			MergedFrom:        absorbed + 1 + len(others),
			MergedAt:          now,
			OriginalTimestamp: &original,
			DuplicatesRemoved: target.DuplicatesRemoved + len(others),
		},
		DeleteIDs: deleteIDs,
	}
}
