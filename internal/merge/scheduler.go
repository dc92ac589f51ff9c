package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultSchedulerInterval = 5 * time.Minute

// Scheduler runs a full pass on a fixed interval. Each tick fires its pass in
// its own goroutine so a slow pass never delays the next tick; overlapping
// ticks are skipped by the orchestrator's busy check.
type Scheduler struct {
	runner   PassRunner
	interval time.Duration
	window   time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(runner PassRunner, interval, window time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		window:   window,
		logger:   logger.With().Str("component", "merge_scheduler").Logger(),
	}
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil || s.runner == nil {
		return fmt.Errorf("merge scheduler is not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("merge scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info().Dur("interval", s.interval).Msg("merge scheduler started")
	return nil
}

// Stop halts the ticker and waits for in-flight passes to return.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()
	s.logger.Info().Msg("merge scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.tick(ctx)
			}()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	stats, err := s.runner.TryRunPass(ctx, PassOptions{ExactOnly: false, Window: s.window})
	switch {
	case errors.Is(err, ErrPassInProgress):
		s.logger.Debug().Msg("scheduled merge skipped, pass in progress")
	case errors.Is(err, context.Canceled):
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled merge failed")
	default:
		s.logger.Debug().Str("pass_id", stats.PassID).Int("merged_records", stats.MergedRecords).Msg("scheduled merge finished")
	}
}
