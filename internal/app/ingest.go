package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"horse.fit/greenhouse/internal/cli"
	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/merge"
	"horse.fit/greenhouse/internal/reading"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "-", "JSON file with one reading object or an array of them (- for stdin)")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
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

	payload, err := readInput(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read input: %v\n", err)
		return 2
	}
	raws, err := decodeReadings(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid input: %v\n", err)
		return 2
	}

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	engine := newEngine(sess.cfg, sess.store, sess.logger)
	defer engine.Stop()
	svc := ingest.NewService(sess.store, engine.Gate, engine.Trigger, sess.logger, ingest.Options{
		OnInvalidTimestamp: sess.cfg.OnInvalidTimestamp,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results := make([]ingest.Result, 0, len(raws))
	failures := 0
	for i, raw := range raws {
		res, err := svc.Ingest(ctx, raw, reading.SourceCLI)
		if err != nil {
			failures++
			sess.logger.Warn().Err(err).Int("index", i).Msg("reading rejected")
			fmt.Fprintf(os.Stderr, "reading %d rejected: %v\n", i, err)
			continue
		}
		results = append(results, res)
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(results); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
			return 1
		}
	} else {
		rows := make([][]string, 0, len(results))
		for _, res := range results {
			rows = append(rows, []string{
				fmt.Sprintf("%d", res.Reading.ID),
				formatUTCTimestampMillis(res.Reading.RecordedAt),
				string(res.Action),
				string(res.Reading.Quality),
				string(res.Trigger),
			})
		}
		if err := writeTable([]string{"ID", "RECORDED_AT", "ACTION", "QUALITY", "TRIGGER"}, rows); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
			return 1
		}
	}

	merged := 0
	for _, res := range results {
		if res.Action == merge.ActionMerged {
			merged++
		}
	}
	sess.logger.Info().
		Int("received", len(raws)).
		Int("stored", len(results)-merged).
		Int("merged", merged).
		Int("rejected", failures).
		Msg("ingest finished")

	if failures > 0 {
		return 1
	}
	return 0
}

func readInput(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// decodeReadings accepts a single JSON object or an array of objects.
func decodeReadings(payload []byte) ([]reading.Raw, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("input is empty")
	}

	var docs []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("decode reading array: %w", err)
		}
	} else {
		docs = []json.RawMessage{trimmed}
	}

	raws := make([]reading.Raw, 0, len(docs))
	for i, doc := range docs {
		raw, err := reading.DecodeRaw(doc)
		if err != nil {
			return nil, fmt.Errorf("reading %d: %w", i, err)
		}
		raws = append(raws, raw)
	}
	return raws, nil
}
