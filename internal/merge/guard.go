package merge

import (
	"context"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/reading"
)

// Guard runs before history reads so callers never see duplicate timestamps.
// Failures are logged and the read goes ahead against current data.
type Guard struct {
	checker DuplicateChecker
	runner  PassRunner
	logger  zerolog.Logger
}

func NewGuard(checker DuplicateChecker, runner PassRunner, logger zerolog.Logger) *Guard {
	return &Guard{
		checker: checker,
		runner:  runner,
		logger:  logger.With().Str("component", "merge_guard").Logger(),
	}
}

// Before checks scope and runs a full pass when it holds duplicates.
// It reports whether a pass ran.
func (g *Guard) Before(ctx context.Context, scope reading.Scope) bool {
	if g == nil || g.checker == nil || g.runner == nil {
		return false
	}
	found, err := g.checker.HasExactDuplicate(ctx, scope)
	if err != nil {
		g.logger.Warn().Err(err).Msg("read guard duplicate check failed")
		return false
	}
	if !found {
		return false
	}
	if _, err := g.runner.RunPass(ctx, PassOptions{}); err != nil {
		g.logger.Warn().Err(err).Msg("read guard merge failed")
		return false
	}
	return true
}
