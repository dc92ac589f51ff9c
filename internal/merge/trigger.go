package merge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/reading"
)

const (
	DefaultReactiveCooldown = 2 * time.Second
	DefaultReactiveWindow   = 30 * time.Second
	DefaultDebounce         = time.Second

	reactiveKey = "reactive"
)

type TriggerOutcome string

const (
	OutcomeNoDuplicates TriggerOutcome = "no_duplicates"
	OutcomeCoolingDown  TriggerOutcome = "cooling_down"
	OutcomeBusy         TriggerOutcome = "busy"
	OutcomeMerged       TriggerOutcome = "merged"
	OutcomeCheckFailed  TriggerOutcome = "check_failed"
	OutcomeFailed       TriggerOutcome = "failed"
)

type TriggerResult struct {
	Outcome TriggerOutcome
	Stats   *Statistics
}

type TriggerOptions struct {
	// Cooldown is the minimum gap between two reactive passes.
	Cooldown time.Duration
	// Window bounds reactive checks and passes to recent history when the
	// caller's scope has no lower bound.
	Window time.Duration
	// Debounce delays the follow-up full pass; notifications while one is
	// pending coalesce into it.
	// Zero disables the follow-up pass.
	Debounce time.Duration
	// FollowUpWindow is the near window of the debounced full pass.
	FollowUpWindow time.Duration
	Clock          Clock
}

// TriggerStatus is a point-in-time view for operators.
type TriggerStatus struct {
	LastRun        *time.Time `json:"last_run,omitempty"`
	PendingMerge   bool       `json:"pending_merge"`
	CooldownMS     int64      `json:"cooldown_ms"`
	DebounceMS     int64      `json:"debounce_ms"`
	WindowMS       int64      `json:"window_ms"`
	FollowUpWindow int64      `json:"follow_up_window_ms"`
}

// Trigger reacts to ingestion: a cheap duplicate check, then a rate-limited exact-only
// pass, plus one debounced full pass per burst.
type Trigger struct {
	checker  DuplicateChecker
	runner   PassRunner
	cooldown *CooldownMap
	logger   zerolog.Logger
	opts     TriggerOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

func NewTrigger(checker DuplicateChecker, runner PassRunner, logger zerolog.Logger, opts TriggerOptions) *Trigger {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Window <= 0 {
		opts.Window = DefaultReactiveWindow
	}
	if opts.FollowUpWindow <= 0 {
		opts.FollowUpWindow = DefaultNearWindow
	}
	if opts.Clock == nil {
		opts.Clock = globaltime.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		checker:  checker,
		runner:   runner,
		cooldown: NewCooldownMap(opts.Cooldown, 0),
		logger:   logger.With().Str("component", "merge_trigger").Logger(),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Notify is called after every ingestion. It never returns an error; the
// outcome says what happened.
func (t *Trigger) Notify(ctx context.Context, scope reading.Scope) TriggerResult {
	if t == nil || t.checker == nil || t.runner == nil {
		return TriggerResult{Outcome: OutcomeFailed}
	}
	t.scheduleFollowUp()

	scope = t.reactiveScope(scope)
	found, err := t.checker.HasExactDuplicate(ctx, scope)
	if err != nil {
		t.logger.Warn().Err(err).Msg("duplicate check failed")
		return TriggerResult{Outcome: OutcomeCheckFailed}
	}
	if !found {
		return TriggerResult{Outcome: OutcomeNoDuplicates}
	}
	if !t.cooldown.Allow(reactiveKey, t.opts.Clock()) {
		t.logger.Debug().Msg("reactive merge skipped during cooldown")
		return TriggerResult{Outcome: OutcomeCoolingDown}
	}

	stats, err := t.runner.TryRunPass(ctx, PassOptions{ExactOnly: true, Scope: scope})
	switch {
	case errors.Is(err, ErrPassInProgress):
		t.logger.Debug().Msg("reactive merge skipped, pass in progress")
		return TriggerResult{Outcome: OutcomeBusy}
	case err != nil:
		t.logger.Error().Err(err).Msg("reactive merge failed")
		return TriggerResult{Outcome: OutcomeFailed}
	}
	return TriggerResult{Outcome: OutcomeMerged, Stats: &stats}
}

// reactiveScope narrows an open-ended scope to the last Window of history.
func (t *Trigger) reactiveScope(scope reading.Scope) reading.Scope {
	if scope.From == nil {
		from := t.opts.Clock().Add(-t.opts.Window)
		scope.From = &from
	}
	return scope
}

// scheduleFollowUp arms the timer once per burst. Later notifications while
// it is armed do not push it back, so steady ingestion still gets a pass
// every Debounce.
func (t *Trigger) scheduleFollowUp() {
	if t.opts.Debounce <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.pending {
		return
	}
	t.pending = true
	t.timer = time.AfterFunc(t.opts.Debounce, t.runFollowUp)
}

func (t *Trigger) runFollowUp() {
	t.mu.Lock()
	if t.stopped || !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.timer = nil
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	_, err := t.runner.TryRunPass(t.ctx, PassOptions{Window: t.opts.FollowUpWindow})
	switch {
	case errors.Is(err, ErrPassInProgress):
		t.logger.Debug().Msg("debounced merge skipped, pass in progress")
	case errors.Is(err, context.Canceled):
	case err != nil:
		t.logger.Error().Err(err).Msg("debounced merge failed")
	}
}

func (t *Trigger) Status() TriggerStatus {
	status := TriggerStatus{
		CooldownMS:     t.opts.Cooldown.Milliseconds(),
		DebounceMS:     t.opts.Debounce.Milliseconds(),
		WindowMS:       t.opts.Window.Milliseconds(),
		FollowUpWindow: t.opts.FollowUpWindow.Milliseconds(),
	}
	if last, ok := t.cooldown.Last(reactiveKey); ok {
		status.LastRun = &last
	}
	t.mu.Lock()
	status.PendingMerge = t.pending
	t.mu.Unlock()
	return status
}

// Stop cancels a pending follow-up and waits for a running one.
func (t *Trigger) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}
