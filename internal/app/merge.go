package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/greenhouse/internal/cli"
	"horse.fit/greenhouse/internal/merge"
)

type passFlags struct {
	exactOnly *string
	windowMS  *int
	timeout   *time.Duration
	format    *string
}

func addPassFlags(fs *flag.FlagSet) passFlags {
	return passFlags{
		exactOnly: fs.String("exact-only", "", "Only merge identical timestamps (true|false, default MERGE_EXACT_ONLY)"),
		windowMS:  fs.Int("window-ms", 0, "Near-duplicate window in milliseconds (default MERGE_TIME_WINDOW_MS)"),
		timeout:   fs.Duration("timeout", 5*time.Minute, "Command timeout"),
		format:    fs.String("format", outputFormatTable, "Output format: table or json"),
	}
}

func (p passFlags) options(defaultExactOnly bool) (merge.PassOptions, error) {
	exactOnly := defaultExactOnly
	if raw := strings.TrimSpace(*p.exactOnly); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return merge.PassOptions{}, fmt.Errorf("--exact-only must be true or false")
		}
		exactOnly = parsed
	}
	if *p.windowMS < 0 {
		return merge.PassOptions{}, fmt.Errorf("--window-ms must be >= 0")
	}
	return merge.PassOptions{
		ExactOnly: exactOnly,
		Window:    time.Duration(*p.windowMS) * time.Millisecond,
	}, nil
}

func runMerge(args []string) int {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	pf := addPassFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	format, err := parseOutputFormat(*pf.format, outputFormatTable)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Merge failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	opts, err := pf.options(sess.cfg.MergeExactOnly)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	engine := newEngine(sess.cfg, sess.store, sess.logger)
	defer engine.Stop()

	ctx, cancel := signalContext()
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *pf.timeout)
	defer timeoutCancel()

	stats, err := engine.Orchestrator.RunPass(ctx, opts)
	if err != nil {
		sess.logger.Error().Err(err).Msg("merge pass failed")
		fmt.Fprintf(os.Stderr, "Merge failed: %v\n", err)
		return 1
	}

	if format == outputFormatJSON {
		if err := printJSON(stats); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
			return 1
		}
		return 0
	}

	rows := [][]string{
		{"pass_id", stats.PassID},
		{"exact_only", strconv.FormatBool(stats.ExactOnly)},
		{"window_ms", strconv.FormatInt(stats.WindowMS, 10)},
		{"exact_groups", strconv.Itoa(stats.ExactGroups)},
		{"near_groups", strconv.Itoa(stats.NearGroups)},
		{"processed_groups", strconv.Itoa(stats.ProcessedGroups)},
		{"merged_records", strconv.Itoa(stats.MergedRecords)},
		{"deleted_records", strconv.Itoa(stats.DeletedRecords)},
		{"failed_groups", strconv.Itoa(stats.FailedGroups)},
		{"duration_ms", strconv.FormatInt(stats.DurationMS, 10)},
	}
	if err := writeTable([]string{"FIELD", "VALUE"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}
	if stats.FailedGroups > 0 {
		return 1
	}
	return 0
}

func runPreview(args []string) int {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	pf := addPassFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	format, err := parseOutputFormat(*pf.format, outputFormatTable)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Preview failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	opts, err := pf.options(sess.cfg.MergeExactOnly)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	engine := newEngine(sess.cfg, sess.store, sess.logger)
	defer engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), *pf.timeout)
	defer cancel()

	preview, err := engine.Orchestrator.Preview(ctx, opts)
	if err != nil {
		sess.logger.Error().Err(err).Msg("merge preview failed")
		fmt.Fprintf(os.Stderr, "Preview failed: %v\n", err)
		return 1
	}

	if format == outputFormatJSON {
		if err := printJSON(preview); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(preview.Groups))
	for _, g := range preview.Groups {
		ids := make([]string, 0, len(g.ReadingIDs))
		for _, id := range g.ReadingIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		rows = append(rows, []string{
			string(g.Kind),
			formatUTCTimestamp(g.Key),
			strconv.FormatInt(g.SurvivorID, 10),
			truncateForTable(strings.Join(ids, ","), 60),
		})
	}
	if err := writeTable([]string{"KIND", "KEY", "SURVIVOR", "READINGS"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}
	fmt.Printf("\nexact groups: %d  near groups: %d  records to delete: %d\n",
		preview.ExactGroups, preview.NearGroups, preview.RecordsToDelete)
	return 0
}
