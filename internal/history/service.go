package history

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/reading"
)

const (
	DefaultLimit    = 100
	MaxLimit        = 500
	DefaultLookback = 24 * time.Hour
	// MaxExportRows caps one CSV export.
	MaxExportRows = 10_000
)

type Store interface {
	ListReadings(ctx context.Context, filter reading.Filter) (reading.Page, error)
	LatestReading(ctx context.Context, scope reading.Scope) (reading.Reading, error)
	ReadingStats(ctx context.Context, scope reading.Scope) (reading.Stats, error)
	DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Guard runs before reads; see merge.Guard.
type Guard interface {
	Before(ctx context.Context, scope reading.Scope) bool
}

// Listing is one page of history plus pagination metadata.
type Listing struct {
	Items      []reading.Reading `json:"items"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"total_pages"`
	HasNext    bool              `json:"has_next"`
	HasPrev    bool              `json:"has_prev"`
	From       time.Time         `json:"from"`
	To         time.Time         `json:"to"`
	Sort       string            `json:"sort"`
	Reconciled bool              `json:"reconciled"`
}

// Report is the aggregate view of a time range.
type Report struct {
	reading.Stats
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	DeviceID   string    `json:"device_id,omitempty"`
	Reconciled bool      `json:"reconciled"`
}

type ExportResult struct {
	Rows       int       `json:"rows"`
	Truncated  bool      `json:"truncated"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Reconciled bool      `json:"reconciled"`
}

type CleanupResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
}

type Service struct {
	store  Store
	guard  Guard
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, guard Guard, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		guard:  guard,
		logger: logger.With().Str("component", "history").Logger(),
		now:    globaltime.UTC,
	}
}

// NormalizeFilter fills the listing defaults: the last 24 hours, newest
// first, page 1 of 100.
func (s *Service) NormalizeFilter(filter reading.Filter) reading.Filter {
	now := s.now().UTC()
	if filter.To == nil {
		to := now
		filter.To = &to
	}
	if filter.From == nil {
		from := filter.To.Add(-DefaultLookback)
		filter.From = &from
	}
	if filter.Sort != reading.SortAsc {
		filter.Sort = reading.SortDesc
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	return filter
}

func (s *Service) List(ctx context.Context, filter reading.Filter) (Listing, error) {
	if s == nil || s.store == nil {
		return Listing{}, fmt.Errorf("history service is not initialized")
	}
	filter = s.NormalizeFilter(filter)

	reconciled := false
	if s.guard != nil {
		reconciled = s.guard.Before(ctx, filter.Scope)
	}

	page, err := s.store.ListReadings(ctx, filter)
	if err != nil {
		return Listing{}, fmt.Errorf("list readings: %w", err)
	}

	totalPages := 0
	if page.Total > 0 {
		totalPages = int((page.Total + int64(filter.Limit) - 1) / int64(filter.Limit))
	}
	items := page.Items
	if items == nil {
		items = []reading.Reading{}
	}

	return Listing{
		Items:      items,
		Total:      page.Total,
		Page:       filter.Page,
		Limit:      filter.Limit,
		TotalPages: totalPages,
		HasNext:    filter.Page < totalPages,
		HasPrev:    filter.Page > 1,
		From:       *filter.From,
		To:         *filter.To,
		Sort:       filter.Sort,
		Reconciled: reconciled,
	}, nil
}

// Latest returns the newest reading, optionally for one device.
func (s *Service) Latest(ctx context.Context, deviceID string) (reading.Reading, error) {
	if s == nil || s.store == nil {
		return reading.Reading{}, fmt.Errorf("history service is not initialized")
	}
	scope := reading.Scope{DeviceID: deviceID}
	if s.guard != nil {
		s.guard.Before(ctx, scope)
	}
	return s.store.LatestReading(ctx, scope)
}

// Stats aggregates the readings in scope, defaulting to the last 24 hours.
// Averages are rounded to two decimals.
func (s *Service) Stats(ctx context.Context, scope reading.Scope) (Report, error) {
	if s == nil || s.store == nil {
		return Report{}, fmt.Errorf("history service is not initialized")
	}
	scope = s.NormalizeFilter(reading.Filter{Scope: scope}).Scope

	reconciled := false
	if s.guard != nil {
		reconciled = s.guard.Before(ctx, scope)
	}

	stats, err := s.store.ReadingStats(ctx, scope)
	if err != nil {
		return Report{}, fmt.Errorf("aggregate readings: %w", err)
	}
	for name, fs := range stats.Fields {
		fs.Avg = round2(fs.Avg)
		stats.Fields[name] = fs
	}

	return Report{
		Stats:      stats,
		From:       *scope.From,
		To:         *scope.To,
		DeviceID:   scope.DeviceID,
		Reconciled: reconciled,
	}, nil
}

func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	return &r
}

// Cleanup deletes readings older than retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	if s == nil || s.store == nil {
		return CleanupResult{}, fmt.Errorf("history service is not initialized")
	}
	if retention <= 0 {
		return CleanupResult{}, fmt.Errorf("retention must be > 0")
	}
	cutoff := s.now().UTC().Add(-retention)
	deleted, err := s.store.DeleteReadingsBefore(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete old readings: %w", err)
	}
	s.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("old readings removed")
	return CleanupResult{Cutoff: cutoff, Deleted: deleted}, nil
}
