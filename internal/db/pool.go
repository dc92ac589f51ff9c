package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/greenhouse/internal/config"
	"horse.fit/greenhouse/internal/globaltime"
)

var (
	ErrNoRows       = sql.ErrNoRows
	errPoolNotReady = errors.New("database pool is not initialized")
)

const (
	defaultMaxConns     = 8
	defaultIdleTime     = 5 * time.Minute
	defaultConnLifetime = 30 * time.Minute
)

// Options configures the Postgres connection. Zero values fall back to
// sensible pool sizes.
type Options struct {
	DatabaseURL string
	MinConns    int
	MaxConns    int
	LogLevel    string
	Environment string
	// SkipMigrate leaves the schema untouched, for read-only tooling.
	SkipMigrate bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{}
	}
	return Options{
		DatabaseURL: cfg.DatabaseURL,
		MinConns:    int(cfg.DBMinConns),
		MaxConns:    int(cfg.DBMaxConns),
		LogLevel:    cfg.LogLevel,
		Environment: cfg.Environment,
	}
}

// Pool is the Postgres-backed reading store.
type Pool struct {
	gdb    *gorm.DB
	sqlDB  *sql.DB
	logger zerolog.Logger
}

// Open connects, verifies the connection and brings the schema up to date.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*Pool, error) {
	if strings.TrimSpace(opts.DatabaseURL) == "" {
		return nil, fmt.Errorf("database url is empty")
	}

	gdb, err := gorm.Open(postgres.Open(opts.DatabaseURL), &gorm.Config{
		Logger:  newGormLogger(log, resolveGormLogLevel(opts.LogLevel, opts.Environment)),
		NowFunc: globaltime.UTC,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}

	maxOpen, maxIdle := poolSizes(opts.MinConns, opts.MaxConns)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxIdleTime(defaultIdleTime)
	sqlDB.SetConnMaxLifetime(defaultConnLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pool := &Pool{
		gdb:    gdb,
		sqlDB:  sqlDB,
		logger: log.With().Str("component", "db").Logger(),
	}
	if !opts.SkipMigrate {
		if err := pool.migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return pool, nil
}

func poolSizes(minConns, maxConns int) (maxOpen, maxIdle int) {
	maxOpen = maxConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxConns
	}
	return maxOpen, max(1, min(minConns, maxOpen))
}

// rowErr lets QueryRow on an unusable pool fail at Scan, like *sql.Row does.
type rowErr struct{ err error }

func (r rowErr) Scan(...any) error { return r.err }

func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) Scanner {
	if p == nil || p.gdb == nil {
		return rowErr{err: errPoolNotReady}
	}
	row := p.gdb.WithContext(ctx).Raw(query, args...).Row()
	if row == nil {
		return rowErr{err: ErrNoRows}
	}
	return row
}

func (p *Pool) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if p == nil || p.gdb == nil {
		return nil, errPoolNotReady
	}
	return p.gdb.WithContext(ctx).Raw(query, args...).Rows()
}

// Exec returns the number of affected rows.
func (p *Pool) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if p == nil || p.gdb == nil {
		return 0, errPoolNotReady
	}
	res := p.gdb.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}

func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(appLogLevel)) {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}
