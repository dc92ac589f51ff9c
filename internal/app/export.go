package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"horse.fit/greenhouse/internal/cli"
	"horse.fit/greenhouse/internal/history"
)

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	filters := addFilterFlags(fs)
	output := fs.String("output", "-", "CSV destination file, or - for stdout")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	filter, err := filters.filter()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	var dst io.Writer = os.Stdout
	path := strings.TrimSpace(*output)
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
			return 1
		}
		defer f.Close()
		dst = f
	}
	w := bufio.NewWriter(dst)

	engine := newEngine(sess.cfg, sess.store, sess.logger)
	defer engine.Stop()
	svc := history.NewService(sess.store, engine.Guard, sess.logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := svc.Export(ctx, w, filter)
	if err != nil {
		sess.logger.Error().Err(err).Msg("export readings failed")
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}

	sess.logger.Info().
		Int("rows", res.Rows).
		Bool("truncated", res.Truncated).
		Str("output", path).
		Msg("readings exported")
	if res.Truncated {
		fmt.Fprintf(os.Stderr, "Export truncated at %d rows\n", history.MaxExportRows)
	}
	return 0
}
