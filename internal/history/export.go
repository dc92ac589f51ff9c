package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"horse.fit/greenhouse/internal/reading"
)

var exportHeader = []string{
	"recorded_at",
	"device_id",
	"temperature",
	"humidity",
	"soil_moisture",
	"water_level",
	"light_level",
	"plant_height",
	"rain_status",
	"data_quality",
	"merged_from",
}

// Export writes the readings matching filter to w as CSV, at most
// MaxExportRows of them. Page and Limit are ignored; the range defaults to
// the last 24 hours like List.
func (s *Service) Export(ctx context.Context, w io.Writer, filter reading.Filter) (ExportResult, error) {
	if s == nil || s.store == nil {
		return ExportResult{}, fmt.Errorf("history service is not initialized")
	}
	filter.Page, filter.Limit = 1, MaxLimit
	filter = s.NormalizeFilter(filter)

	res := ExportResult{From: *filter.From, To: *filter.To}
	if s.guard != nil {
		res.Reconciled = s.guard.Before(ctx, filter.Scope)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return res, fmt.Errorf("write csv header: %w", err)
	}

	for {
		page, err := s.store.ListReadings(ctx, filter)
		if err != nil {
			return res, fmt.Errorf("list readings page %d: %w", filter.Page, err)
		}
		for _, r := range page.Items {
			if res.Rows == MaxExportRows {
				res.Truncated = true
				break
			}
			if err := cw.Write(exportRecord(r)); err != nil {
				return res, fmt.Errorf("write csv row: %w", err)
			}
			res.Rows++
		}
		if res.Truncated || len(page.Items) < filter.Limit || int64(filter.Page*filter.Limit) >= page.Total {
			break
		}
		filter.Page++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return res, fmt.Errorf("flush csv: %w", err)
	}
	s.logger.Debug().Int("rows", res.Rows).Bool("truncated", res.Truncated).Msg("readings exported")
	return res, nil
}

func exportRecord(r reading.Reading) []string {
	return []string{
		r.RecordedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		r.DeviceID,
		csvFloat(r.Temperature),
		csvFloat(r.Humidity),
		csvInt(r.SoilMoisture),
		csvInt(r.WaterLevel),
		csvInt(r.LightLevel),
		csvFloat(r.PlantHeight),
		csvBool(r.RainStatus),
		string(r.Quality),
		strconv.Itoa(r.MergedFrom),
	}
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func csvInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func csvBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

// ExportFilename names an export of the range from..to.
func ExportFilename(from, to time.Time) string {
	return fmt.Sprintf("greenhouse-readings_%s_%s.csv", from.UTC().Format("20060102"), to.UTC().Format("20060102"))
}
