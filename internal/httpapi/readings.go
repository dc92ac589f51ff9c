package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/greenhouse/internal/history"
	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/merge"
	"horse.fit/greenhouse/internal/reading"
)

func (s *Server) handleIngestReading(c echo.Context) error {
	if s.deps.Ingester == nil {
		return serviceUnavailable(c, "Ingestion unavailable")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return failValidation(c, map[string]string{"body": "could not be read"})
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return failValidation(c, map[string]string{"body": "is required"})
	}

	raw, err := reading.DecodeRaw(body)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	res, err := s.deps.Ingester.Ingest(c.Request().Context(), raw, reading.SourceAPI)
	switch {
	case errors.Is(err, ingest.ErrInvalidTimestamp):
		return failValidation(c, map[string]string{"timestamp": "must be ISO-8601 or epoch milliseconds"})
	case errors.Is(err, ingest.ErrEmptyReading):
		return failValidation(c, map[string]string{"readings": "at least one sensor value is required"})
	case err != nil:
		s.logger.Error().Err(err).Msg("ingest reading failed")
		return internalError(c, "Failed to store reading")
	}

	status := http.StatusCreated
	if res.Action == merge.ActionMerged {
		status = http.StatusOK
	}
	return successWithStatus(c, status, res)
}

// parseScope reads from, to and device_id.
func parseScope(c echo.Context, fieldErrors map[string]string) reading.Scope {
	from, err := parseTimeFilter(c.QueryParam("from"), false)
	if err != nil {
		fieldErrors["from"] = "must be RFC3339 or YYYY-MM-DD"
	}
	to, err := parseTimeFilter(c.QueryParam("to"), true)
	if err != nil {
		fieldErrors["to"] = "must be RFC3339 or YYYY-MM-DD"
	}
	if from != nil && to != nil && from.After(*to) {
		fieldErrors["time_range"] = "from must be <= to"
	}
	return reading.Scope{
		From:     from,
		To:       to,
		DeviceID: strings.TrimSpace(c.QueryParam("device_id")),
	}
}

// parseFilter reads the scope, value bounds and sort order shared by the
// listing and the export.
func parseFilter(c echo.Context, fieldErrors map[string]string) reading.Filter {
	filter := reading.Filter{Scope: parseScope(c, fieldErrors)}
	for param, dst := range map[string]**float64{
		"min_temperature": &filter.MinTemperature,
		"max_temperature": &filter.MaxTemperature,
		"min_humidity":    &filter.MinHumidity,
		"max_humidity":    &filter.MaxHumidity,
	} {
		value, err := parseFloatFilter(c.QueryParam(param))
		if err != nil {
			fieldErrors[param] = err.Error()
			continue
		}
		*dst = value
	}

	switch sort := strings.ToLower(strings.TrimSpace(c.QueryParam("sort"))); sort {
	case "", reading.SortDesc:
		filter.Sort = reading.SortDesc
	case reading.SortAsc:
		filter.Sort = reading.SortAsc
	default:
		fieldErrors["sort"] = "must be asc or desc"
	}
	return filter
}

func (s *Server) handleListReadings(c echo.Context) error {
	fieldErrors := map[string]string{}

	page, err := parsePositiveInt(c.QueryParam("page"), 1, 1, 1_000_000)
	if err != nil {
		fieldErrors["page"] = err.Error()
	}
	limit, err := parsePositiveInt(c.QueryParam("limit"), history.DefaultLimit, 1, history.MaxLimit)
	if err != nil {
		fieldErrors["limit"] = err.Error()
	}
	filter := parseFilter(c, fieldErrors)
	filter.Page, filter.Limit = page, limit

	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	listing, err := s.deps.History.List(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list readings failed")
		return internalError(c, "Failed to load readings")
	}

	return success(c, map[string]any{
		"items": listing.Items,
		"pagination": map[string]any{
			"page":        listing.Page,
			"limit":       listing.Limit,
			"total_items": listing.Total,
			"total_pages": listing.TotalPages,
			"has_next":    listing.HasNext,
			"has_prev":    listing.HasPrev,
		},
		"filters": map[string]any{
			"from":            listing.From,
			"to":              listing.To,
			"device_id":       filter.DeviceID,
			"min_temperature": filter.MinTemperature,
			"max_temperature": filter.MaxTemperature,
			"min_humidity":    filter.MinHumidity,
			"max_humidity":    filter.MaxHumidity,
			"sort":            listing.Sort,
		},
		"reconciled": listing.Reconciled,
	})
}

func (s *Server) handleReadingStats(c echo.Context) error {
	fieldErrors := map[string]string{}
	scope := parseScope(c, fieldErrors)
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	report, err := s.deps.History.Stats(c.Request().Context(), scope)
	if err != nil {
		s.logger.Error().Err(err).Msg("aggregate readings failed")
		return internalError(c, "Failed to compute statistics")
	}
	return success(c, report)
}

// handleExportReadings returns a CSV download. The body is buffered so a
// storage failure still yields a JSend error instead of a truncated file.
func (s *Server) handleExportReadings(c echo.Context) error {
	fieldErrors := map[string]string{}
	filter := parseFilter(c, fieldErrors)
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	var buf bytes.Buffer
	res, err := s.deps.History.Export(c.Request().Context(), &buf, filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("export readings failed")
		return internalError(c, "Failed to export readings")
	}

	header := c.Response().Header()
	header.Set("X-Export-Rows", strconv.Itoa(res.Rows))
	header.Set("X-Export-Truncated", strconv.FormatBool(res.Truncated))
	return attachment(c, "text/csv; charset=utf-8", history.ExportFilename(res.From, res.To), buf.Bytes())
}

func (s *Server) handleLatestReading(c echo.Context) error {
	latest, err := s.deps.History.Latest(c.Request().Context(), strings.TrimSpace(c.QueryParam("device_id")))
	if errors.Is(err, reading.ErrNotFound) {
		return failNotFound(c, "No readings found")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("load latest reading failed")
		return internalError(c, "Failed to load latest reading")
	}
	return success(c, latest)
}

func (s *Server) handleCleanup(c echo.Context) error {
	defaultDays := int(s.opts.Retention / (24 * time.Hour))
	if defaultDays < 1 {
		defaultDays = 1
	}
	days, err := parsePositiveInt(c.QueryParam("retention_days"), defaultDays, 1, 3650)
	if err != nil {
		return failValidation(c, map[string]string{"retention_days": err.Error()})
	}

	res, err := s.deps.History.Cleanup(c.Request().Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		s.logger.Error().Err(err).Int("retention_days", days).Msg("cleanup failed")
		return internalError(c, "Failed to remove old readings")
	}
	return success(c, map[string]any{
		"retention_days": days,
		"cutoff":         res.Cutoff,
		"deleted":        res.Deleted,
	})
}
