package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/history"
	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/merge"
	"horse.fit/greenhouse/internal/reading"
)

const (
	bodyLimit     = "1M"
	healthTimeout = 2 * time.Second
	maxWindowMS   = 24 * 60 * 60 * 1000
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Ingester interface {
	Ingest(ctx context.Context, raw reading.Raw, source string) (ingest.Result, error)
}

type HistoryService interface {
	List(ctx context.Context, filter reading.Filter) (history.Listing, error)
	Latest(ctx context.Context, deviceID string) (reading.Reading, error)
	Stats(ctx context.Context, scope reading.Scope) (history.Report, error)
	Export(ctx context.Context, w io.Writer, filter reading.Filter) (history.ExportResult, error)
	Cleanup(ctx context.Context, retention time.Duration) (history.CleanupResult, error)
}

type MergeService interface {
	RunPass(ctx context.Context, opts merge.PassOptions) (merge.Statistics, error)
	Preview(ctx context.Context, opts merge.PassOptions) (merge.Preview, error)
	LastPass() (merge.Statistics, bool)
	Busy() bool
}

type TriggerStatusSource interface {
	Status() merge.TriggerStatus
}

type SchedulerStatusSource interface {
	Interval() time.Duration
	Running() bool
}

// Dependencies are the services behind the API. Realtime may be nil.
type Dependencies struct {
	Store     Pinger
	Ingester  Ingester
	History   HistoryService
	Merge     MergeService
	Trigger   TriggerStatusSource
	Scheduler SchedulerStatusSource
	Realtime  http.Handler
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	// ExactOnlyDefault is used by POST /merge when exact_only is omitted.
	ExactOnlyDefault bool
	Retention        time.Duration
}

type Server struct {
	deps   Dependencies
	logger zerolog.Logger
	opts   Options
}

func NewServer(deps Dependencies, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	allowedOrigins := opts.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	return &Server{
		deps:   deps,
		logger: logger,
		opts: Options{
			Host:             host,
			Port:             port,
			ReadTimeout:      readTimeout,
			WriteTimeout:     writeTimeout,
			ShutdownTimeout:  shutdownTimeout,
			AllowedOrigins:   allowedOrigins,
			ExactOnlyDefault: opts.ExactOnlyDefault,
			Retention:        retention,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.deps.Store == nil || s.deps.History == nil || s.deps.Merge == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.routes()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("greenhouse api server started")
	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("greenhouse api server stopped")
	return nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.opts.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{
			echo.HeaderContentDisposition,
			"X-Export-Rows",
			"X-Export-Truncated",
		},
		MaxAge: 3600,
	}))
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.POST("/readings", s.handleIngestReading)
	api.GET("/readings", s.handleListReadings)
	api.GET("/readings/latest", s.handleLatestReading)
	api.GET("/readings/stats", s.handleReadingStats)
	api.GET("/readings/export", s.handleExportReadings)
	api.POST("/readings/cleanup", s.handleCleanup)
	api.POST("/merge", s.handleRunMerge)
	api.GET("/merge/preview", s.handleMergePreview)
	api.GET("/merge/status", s.handleMergeStatus)
	if s.deps.Realtime != nil {
		api.GET("/realtime", echo.WrapHandler(s.deps.Realtime))
	}

	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	isAPI := strings.HasPrefix(c.Request().URL.Path, "/api/")
	if isAPI {
		if status >= 500 {
			_ = internalError(c, "Internal server error")
			return
		}
		_ = fail(c, status, message, nil)
		return
	}

	_ = c.String(status, message)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("storage health check failed")
		return serviceUnavailable(c, "Storage unavailable")
	}
	return success(c, map[string]any{
		"service": "greenhouse",
		"storage": "ok",
		"time":    globaltime.UTC(),
	})
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}

func parseFloatFilter(raw string) (*float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil, fmt.Errorf("must be a number")
	}
	return &value, nil
}

func parseBoolParam(raw string, defaultValue bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, fmt.Errorf("must be true or false")
	}
	return value, nil
}

func parseTimeFilter(raw string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		utc := ts.UTC()
		return &utc, nil
	}

	if day, err := time.Parse("2006-01-02", trimmed); err == nil {
		utc := day.UTC()
		if endOfDay {
			utc = utc.Add((24 * time.Hour) - time.Nanosecond)
		}
		return &utc, nil
	}

	return nil, fmt.Errorf("invalid time format")
}
