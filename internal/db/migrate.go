package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"
)

//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

type migrationStep struct {
	name string
	run  func(ctx context.Context) error
}

// migrationSteps creates the schema and enum first, lets GORM shape the
// table, then adds indexes and constraints GORM cannot express.
func (p *Pool) migrationSteps() []migrationStep {
	return []migrationStep{
		{name: "schema", run: func(ctx context.Context) error { return p.execScript(ctx, preAutoMigrateSQL) }},
		{name: "models", run: func(ctx context.Context) error {
			return p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...)
		}},
		{name: "indexes", run: func(ctx context.Context) error { return p.execScript(ctx, postAutoMigrateSQL) }},
	}
}

func (p *Pool) migrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return errPoolNotReady
	}

	for _, step := range p.migrationSteps() {
		started := time.Now()
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("migration step %s: %w", step.name, err)
		}
		p.logger.Debug().
			Str("step", step.name).
			Dur("took", time.Since(started)).
			Msg("migration step applied")
	}
	return nil
}

func (p *Pool) execScript(ctx context.Context, script string) error {
	trimmed := strings.TrimSpace(script)
	if trimmed == "" {
		return nil
	}
	return p.gdb.WithContext(ctx).Exec(trimmed).Error
}
