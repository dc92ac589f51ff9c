package merge

import (
	"context"
	"fmt"
	"time"
)

type PreviewGroup struct {
	Kind       GroupKind `json:"kind"`
	Key        time.Time `json:"key"`
	SurvivorID int64     `json:"survivor_id"`
	ReadingIDs []int64   `json:"reading_ids"`
}

// Preview describes what a pass with the same options would merge.
// Near groups are computed against current rows, so they can overlap
// exact groups that a real pass would collapse first.
type Preview struct {
	ExactGroups     int            `json:"exact_groups"`
	NearGroups      int            `json:"near_groups"`
	RecordsToDelete int            `json:"records_to_delete"`
	ExactOnly       bool           `json:"exact_only"`
	WindowMS        int64          `json:"window_ms"`
	Groups          []PreviewGroup `json:"groups"`
}

// Preview lists duplicate groups without modifying the store. It does not
// take the pass lock.
func (o *Orchestrator) Preview(ctx context.Context, opts PassOptions) (Preview, error) {
	if o == nil || o.finder == nil {
		return Preview{}, fmt.Errorf("merge orchestrator is not initialized")
	}
	window := opts.Window
	if window <= 0 {
		window = o.opts.Window
	}
	limit := opts.NearLimit
	if limit <= 0 {
		limit = o.opts.NearLimit
	}

	out := Preview{ExactOnly: opts.ExactOnly, WindowMS: window.Milliseconds(), Groups: []PreviewGroup{}}
	exact, err := o.finder.ExactGroups(ctx, opts.Scope)
	if err != nil {
		return Preview{}, fmt.Errorf("find exact groups: %w", err)
	}
	out.ExactGroups = len(exact)

	groups := exact
	if !opts.ExactOnly {
		near, err := o.finder.NearGroups(ctx, o.nearScope(opts.Scope, o.opts.Clock()), window, limit)
		if err != nil {
			return Preview{}, fmt.Errorf("find near groups: %w", err)
		}
		out.NearGroups = len(near)
		groups = append(groups, near...)
	}

	doomed := make(map[int64]struct{})
	for _, g := range groups {
		ranked := RankMembers(g.Members)
		pg := PreviewGroup{
			Kind:       g.Kind,
			Key:        g.Key,
			SurvivorID: ranked[0].ID,
			ReadingIDs: make([]int64, 0, len(g.Members)),
		}
		for _, m := range g.Members {
			pg.ReadingIDs = append(pg.ReadingIDs, m.ID)
		}
		for _, m := range ranked[1:] {
			doomed[m.ID] = struct{}{}
		}
		out.Groups = append(out.Groups, pg)
	}
	out.RecordsToDelete = len(doomed)
	return out, nil
}
