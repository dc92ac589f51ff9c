package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/greenhouse/internal/cli"
	"horse.fit/greenhouse/internal/history"
	"horse.fit/greenhouse/internal/reading"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	scopeFlags := addScopeFlags(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	scope, err := scopeFlags.scope()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	engine := newEngine(sess.cfg, sess.store, sess.logger)
	defer engine.Stop()
	svc := history.NewService(sess.store, engine.Guard, sess.logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := svc.Stats(ctx, scope)
	if err != nil {
		sess.logger.Error().Err(err).Msg("aggregate readings failed")
		fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
			return 1
		}
		return 0
	}

	if err := writeTable([]string{"FIELD", "COUNT", "AVG", "MIN", "MAX"}, statsRows(report.Stats)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}
	fmt.Printf("\n%s .. %s  total %d  complete %d  rainy %d\n",
		formatUTCTimestamp(report.From),
		formatUTCTimestamp(report.To),
		report.Total,
		report.Complete,
		report.Rainy,
	)
	return 0
}

func statsRows(stats reading.Stats) [][]string {
	rows := make([][]string, 0, len(reading.NumericFields))
	for _, name := range reading.NumericFields {
		fs := stats.Fields[name]
		rows = append(rows, []string{
			name,
			strconv.FormatInt(fs.Count, 10),
			formatFloat(fs.Avg),
			formatFloat(fs.Min),
			formatFloat(fs.Max),
		})
	}
	return rows
}
