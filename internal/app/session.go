package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/cli"
	"horse.fit/greenhouse/internal/config"
	"horse.fit/greenhouse/internal/db"
	"horse.fit/greenhouse/internal/history"
	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/logging"
	"horse.fit/greenhouse/internal/memstore"
	"horse.fit/greenhouse/internal/merge"
)

const (
	connectAttempts   = 3
	connectRetryDelay = 2 * time.Second
)

// readingStore is what every command needs from storage; both the
// Postgres pool and the in-memory store satisfy it.
type readingStore interface {
	merge.Store
	ingest.Store
	history.Store
	Ping(ctx context.Context) error
}

type session struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  readingStore
	close  func()
}

func openSession(envLoader *cli.EnvLoader, timeout time.Duration) (*session, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store, closeFn, err := openStore(cfg, logger, timeout)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StorageDriver).Msg("storage connection failed")
		return nil, err
	}

	return &session{cfg: cfg, logger: logger, store: store, close: closeFn}, nil
}

func (s *session) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

func openStore(cfg *config.Config, logger zerolog.Logger, timeout time.Duration) (readingStore, func(), error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		logger.Warn().Msg("using in-memory storage, readings are lost on exit")
		return memstore.New(), func() {}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		pool, err := db.Open(ctx, db.OptionsFromConfig(cfg), logger)
		cancel()
		if err == nil {
			return pool, func() { _ = pool.Close() }, nil
		}
		lastErr = err
		if !db.IsTransient(err) || attempt == connectAttempts {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", connectRetryDelay).Msg("database not ready")
		time.Sleep(connectRetryDelay)
	}
	return nil, nil, fmt.Errorf("failed to connect to database: %w", lastErr)
}

func newEngine(cfg *config.Config, store merge.Store, logger zerolog.Logger) *merge.Engine {
	return merge.NewEngine(store, logger, merge.EngineOptions{
		NearWindow:        cfg.MergeWindow(),
		NearBatchLimit:    cfg.MergeNearBatchLimit,
		NearLookback:      cfg.MergeNearLookback,
		GateSecondWindow:  cfg.GateSecondWindow,
		ReactiveCooldown:  cfg.ReactiveCooldown(),
		ReactiveWindow:    cfg.ReactiveWindow(),
		Debounce:          cfg.MergeDebounce(),
		SchedulerInterval: cfg.SchedulerInterval(),
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
