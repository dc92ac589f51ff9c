package merge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type EngineOptions struct {
	NearWindow        time.Duration
	NearBatchLimit    int
	NearLookback      time.Duration
	GateSecondWindow  bool
	ReactiveCooldown  time.Duration
	ReactiveWindow    time.Duration
	Debounce          time.Duration
	SchedulerInterval time.Duration
	Clock             Clock
}

// Engine wires the merge components over one store and owns their lifecycle.
type Engine struct {
	Orchestrator *Orchestrator
	Gate         *Gate
	Trigger      *Trigger
	Scheduler    *Scheduler
	Guard        *Guard
}

func NewEngine(store Store, logger zerolog.Logger, opts EngineOptions) *Engine {
	orch := NewOrchestrator(
		NewFinder(store),
		NewResolver(store, logger, opts.Clock),
		logger,
		OrchestratorOptions{
			Window:       opts.NearWindow,
			NearLimit:    opts.NearBatchLimit,
			NearLookback: opts.NearLookback,
			Clock:        opts.Clock,
		},
	)
	return &Engine{
		Orchestrator: orch,
		Gate:         NewGate(store, logger, GateOptions{SecondWindow: opts.GateSecondWindow, Clock: opts.Clock}),
		Trigger: NewTrigger(store, orch, logger, TriggerOptions{
			Cooldown:       opts.ReactiveCooldown,
			Window:         opts.ReactiveWindow,
			Debounce:       opts.Debounce,
			FollowUpWindow: opts.NearWindow,
			Clock:          opts.Clock,
		}),
		Scheduler: NewScheduler(orch, opts.SchedulerInterval, opts.NearWindow, logger),
		Guard:     NewGuard(store, orch, logger),
	}
}

// Start launches the periodic reconciliation scheduler.
func (e *Engine) Start(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Stop halts the scheduler and any pending reactive follow-up.
func (e *Engine) Stop() {
	e.Scheduler.Stop()
	e.Trigger.Stop()
}
