package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/greenhouse/internal/cli"
	"horse.fit/greenhouse/internal/history"
)

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	retentionDays := fs.Int("retention-days", 0, "Keep readings newer than this many days (default RETENTION_DAYS)")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *retentionDays < 0 {
		fmt.Fprintln(os.Stderr, "--retention-days must be >= 1")
		return 2
	}

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	retention := sess.cfg.Retention()
	if *retentionDays > 0 {
		retention = time.Duration(*retentionDays) * 24 * time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := history.NewService(sess.store, nil, sess.logger).Cleanup(ctx, retention)
	if err != nil {
		sess.logger.Error().Err(err).Msg("cleanup failed")
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		return 1
	}

	fmt.Printf("deleted %d readings recorded before %s\n", res.Deleted, formatUTCTimestamp(res.Cutoff))
	return 0
}
