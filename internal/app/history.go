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
)

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	filters := addFilterFlags(fs)
	page := fs.Int("page", 1, "Page number")
	limit := fs.Int("limit", 50, "Rows per page (max 500)")
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
	if *page < 1 {
		fmt.Fprintln(os.Stderr, "--page must be >= 1")
		return 2
	}
	if *limit < 1 || *limit > history.MaxLimit {
		fmt.Fprintf(os.Stderr, "--limit must be between 1 and %d\n", history.MaxLimit)
		return 2
	}
	filter, err := filters.filter()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	filter.Page, filter.Limit = *page, *limit

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	engine := newEngine(sess.cfg, sess.store, sess.logger)
	defer engine.Stop()
	svc := history.NewService(sess.store, engine.Guard, sess.logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	listing, err := svc.List(ctx, filter)
	if err != nil {
		sess.logger.Error().Err(err).Msg("list readings failed")
		fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(listing); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(listing.Items))
	for _, r := range listing.Items {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			formatUTCTimestampMillis(r.RecordedAt),
			r.DeviceID,
			string(r.Quality),
			formatFloat(r.Temperature),
			formatFloat(r.Humidity),
			formatInt(r.SoilMoisture),
			formatInt(r.WaterLevel),
			formatInt(r.LightLevel),
			formatFloat(r.PlantHeight),
			formatBool(r.RainStatus),
		})
	}
	headers := []string{"ID", "RECORDED_AT", "DEVICE", "QUALITY", "TEMP", "HUMIDITY", "SOIL", "WATER", "LIGHT", "HEIGHT", "RAIN"}
	if err := writeTable(headers, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}
	fmt.Printf("\npage %d/%d  total %d\n", listing.Page, listing.TotalPages, listing.Total)
	return 0
}
