package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/reading"
)

var ErrPassInProgress = errors.New("merge pass already in progress")

// PassOptions controls one reconciliation pass. Zero Window and NearLimit
// fall back to the orchestrator defaults.
type PassOptions struct {
	ExactOnly bool
	Window    time.Duration
	NearLimit int
	Scope     reading.Scope
}

// Statistics summarises one pass.
type Statistics struct {
	PassID          string    `json:"pass_id"`
	TotalDuplicates int       `json:"total_duplicates"`
	ProcessedGroups int       `json:"processed_groups"`
	MergedRecords   int       `json:"merged_records"`
	DeletedRecords  int       `json:"deleted_records"`
	FailedGroups    int       `json:"failed_groups"`
	ExactGroups     int       `json:"exact_groups"`
	NearGroups      int       `json:"near_groups"`
	ExactOnly       bool      `json:"exact_only"`
	WindowMS        int64     `json:"window_ms"`
	StartedAt       time.Time `json:"started_at"`
	DurationMS      int64     `json:"duration_ms"`
}

func (s Statistics) Changed() bool {
	return s.MergedRecords > 0 || s.DeletedRecords > 0
}

func (s *Statistics) add(res GroupResult) {
	if res.Err != nil {
		s.FailedGroups++
		return
	}
	s.ProcessedGroups++
	s.MergedRecords += res.Merged
	s.DeletedRecords += res.Deleted
}

// PassRunner is the orchestrator surface used by background callers.
type PassRunner interface {
	RunPass(ctx context.Context, opts PassOptions) (Statistics, error)
	TryRunPass(ctx context.Context, opts PassOptions) (Statistics, error)
}

// Notifier is told about passes that changed stored data.
type Notifier interface {
	PassCompleted(stats Statistics)
}

type OrchestratorOptions struct {
	Window       time.Duration
	NearLimit    int
	NearLookback time.Duration
	Clock        Clock
}

// Orchestrator is the only caller of Resolver. At most one pass runs at a
// time; RunPass queues behind an active pass and TryRunPass refuses.
type Orchestrator struct {
	finder   *Finder
	resolver *Resolver
	logger   zerolog.Logger
	opts     OrchestratorOptions

	sem chan struct{}

	mu        sync.RWMutex
	notifiers []Notifier
	last      *Statistics
}

func NewOrchestrator(finder *Finder, resolver *Resolver, logger zerolog.Logger, opts OrchestratorOptions) *Orchestrator {
	if opts.Window <= 0 {
		opts.Window = DefaultNearWindow
	}
	if opts.NearLimit <= 0 {
		opts.NearLimit = DefaultNearBatchLimit
	}
	if opts.NearLookback < 0 {
		opts.NearLookback = 0
	}
	if opts.Clock == nil {
		opts.Clock = globaltime.UTC
	}
	return &Orchestrator{
		finder:   finder,
		resolver: resolver,
		logger:   logger.With().Str("component", "merge_orchestrator").Logger(),
		opts:     opts,
		sem:      make(chan struct{}, 1),
	}
}

func (o *Orchestrator) AddNotifier(n Notifier) {
	if o == nil || n == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifiers = append(o.notifiers, n)
}

// LastPass returns the statistics of the most recent completed pass.
func (o *Orchestrator) LastPass() (Statistics, bool) {
	if o == nil {
		return Statistics{}, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Statistics{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) Busy() bool {
	if o == nil {
		return false
	}
	return len(o.sem) > 0
}

// RunPass waits for any active pass to finish, then runs exact-group
// resolution followed by near-group resolution unless opts.ExactOnly.
func (o *Orchestrator) RunPass(ctx context.Context, opts PassOptions) (Statistics, error) {
	if o == nil || o.finder == nil || o.resolver == nil {
		return Statistics{}, fmt.Errorf("merge orchestrator is not initialized")
	}
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return Statistics{}, ctx.Err()
	}
	return o.runLocked(ctx, opts)
}

// TryRunPass runs a pass only if none is active, else returns ErrPassInProgress.
func (o *Orchestrator) TryRunPass(ctx context.Context, opts PassOptions) (Statistics, error) {
	if o == nil || o.finder == nil || o.resolver == nil {
		return Statistics{}, fmt.Errorf("merge orchestrator is not initialized")
	}
	select {
	case o.sem <- struct{}{}:
	default:
		return Statistics{}, ErrPassInProgress
	}
	return o.runLocked(ctx, opts)
}

func (o *Orchestrator) runLocked(ctx context.Context, opts PassOptions) (Statistics, error) {
	stats, err := func() (Statistics, error) {
		defer func() { <-o.sem }()
		return o.run(ctx, opts)
	}()
	if err != nil {
		return stats, err
	}

	o.mu.Lock()
	last := stats
	o.last = &last
	notifiers := append([]Notifier(nil), o.notifiers...)
	o.mu.Unlock()

	if stats.Changed() {
		for _, n := range notifiers {
			n.PassCompleted(stats)
		}
	}
	return stats, nil
}

func (o *Orchestrator) run(ctx context.Context, opts PassOptions) (Statistics, error) {
	window := opts.Window
	if window <= 0 {
		window = o.opts.Window
	}
	limit := opts.NearLimit
	if limit <= 0 {
		limit = o.opts.NearLimit
	}

	started := o.opts.Clock()
	stats := Statistics{
		PassID:    uuid.NewString(),
		ExactOnly: opts.ExactOnly,
		WindowMS:  window.Milliseconds(),
		StartedAt: started,
	}
	logger := o.logger.With().Str("pass_id", stats.PassID).Logger()

	exact, err := o.finder.ExactGroups(ctx, opts.Scope)
	if err != nil {
		return stats, fmt.Errorf("find exact groups: %w", err)
	}
	stats.ExactGroups = len(exact)
	stats.TotalDuplicates += len(exact)
	if err := o.resolveAll(ctx, exact, &stats); err != nil {
		return stats, err
	}

	if !opts.ExactOnly {
		if err := o.resolveNear(ctx, o.nearScope(opts.Scope, started), window, limit, &stats); err != nil {
			return stats, err
		}
	}

	stats.DurationMS = o.opts.Clock().Sub(started).Milliseconds()

	event := logger.Debug()
	if stats.TotalDuplicates > 0 {
		event = logger.Info()
	}
	event.
		Bool("exact_only", stats.ExactOnly).
		Int64("window_ms", stats.WindowMS).
		Int("total_duplicates", stats.TotalDuplicates).
		Int("exact_groups", stats.ExactGroups).
		Int("near_groups", stats.NearGroups).
		Int("processed_groups", stats.ProcessedGroups).
		Int("merged_records", stats.MergedRecords).
		Int("deleted_records", stats.DeletedRecords).
		Int("failed_groups", stats.FailedGroups).
		Int64("duration_ms", stats.DurationMS).
		Msg("merge pass completed")

	return stats, nil
}

// nearScope bounds the near scan to the configured lookback unless the
// caller already set a lower bound.
func (o *Orchestrator) nearScope(scope reading.Scope, now time.Time) reading.Scope {
	if scope.From == nil && o.opts.NearLookback > 0 {
		from := now.Add(-o.opts.NearLookback)
		scope.From = &from
	}
	return scope
}

// resolveNear repeats the near scan over the survivors until no group is
// left, so a chain of rows each within window of the next collapses into one
// row. At most limit groups are resolved per pass.
func (o *Orchestrator) resolveNear(ctx context.Context, scope reading.Scope, window time.Duration, limit int, stats *Statistics) error {
	for remaining := limit; remaining > 0; {
		near, err := o.finder.NearGroups(ctx, scope, window, remaining)
		if err != nil {
			return fmt.Errorf("find near groups: %w", err)
		}
		if len(near) == 0 {
			return nil
		}
		stats.NearGroups += len(near)
		stats.TotalDuplicates += len(near)

		merged := stats.MergedRecords
		if err := o.resolveAll(ctx, near, stats); err != nil {
			return err
		}
		if stats.MergedRecords == merged {
			return nil
		}
		remaining -= len(near)
	}
	return nil
}

func (o *Orchestrator) resolveAll(ctx context.Context, groups []Group, stats *Statistics) error {
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.add(o.resolver.Resolve(ctx, g))
	}
	return nil
}
