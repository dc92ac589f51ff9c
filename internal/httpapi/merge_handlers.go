package httpapi

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/greenhouse/internal/merge"
)

type mergeRequest struct {
	ExactOnly *bool `json:"exact_only"`
	WindowMS  *int  `json:"window_ms"`
}

// passOptions reads exact_only and window_ms from the query string and,
// for POST, an optional JSON body. Body values win.
func (s *Server) passOptions(c echo.Context) (merge.PassOptions, map[string]string) {
	fieldErrors := map[string]string{}

	exactOnly, err := parseBoolParam(c.QueryParam("exact_only"), s.opts.ExactOnlyDefault)
	if err != nil {
		fieldErrors["exact_only"] = err.Error()
	}
	windowMS, err := parsePositiveInt(c.QueryParam("window_ms"), 0, 1, maxWindowMS)
	if err != nil {
		fieldErrors["window_ms"] = err.Error()
	}

	if body := c.Request().Body; body != nil {
		payload, err := io.ReadAll(body)
		if err != nil {
			fieldErrors["body"] = "could not be read"
		} else if len(strings.TrimSpace(string(payload))) > 0 {
			var req mergeRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				fieldErrors["body"] = "must be a JSON object"
			} else {
				if req.ExactOnly != nil {
					exactOnly = *req.ExactOnly
				}
				if req.WindowMS != nil {
					if *req.WindowMS < 1 || *req.WindowMS > maxWindowMS {
						fieldErrors["window_ms"] = "must be between 1 and " + strconv.Itoa(maxWindowMS)
					} else {
						windowMS = *req.WindowMS
					}
				}
			}
		}
	}

	return merge.PassOptions{
		ExactOnly: exactOnly,
		Window:    time.Duration(windowMS) * time.Millisecond,
	}, fieldErrors
}

func (s *Server) handleRunMerge(c echo.Context) error {
	opts, fieldErrors := s.passOptions(c)
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	stats, err := s.deps.Merge.RunPass(c.Request().Context(), opts)
	if err != nil {
		if c.Request().Context().Err() != nil {
			return serviceUnavailable(c, "Merge pass cancelled")
		}
		s.logger.Error().Err(err).Bool("exact_only", opts.ExactOnly).Msg("manual merge failed")
		return internalError(c, "Merge pass failed")
	}
	return success(c, stats)
}

func (s *Server) handleMergePreview(c echo.Context) error {
	opts, fieldErrors := s.passOptions(c)
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	preview, err := s.deps.Merge.Preview(c.Request().Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("merge preview failed")
		return internalError(c, "Failed to preview merge")
	}
	return success(c, preview)
}

func (s *Server) handleMergeStatus(c echo.Context) error {
	status := map[string]any{
		"busy": s.deps.Merge.Busy(),
	}
	if last, ok := s.deps.Merge.LastPass(); ok {
		status["last_pass"] = last
	}
	if s.deps.Trigger != nil {
		status["reactive"] = s.deps.Trigger.Status()
	}
	if s.deps.Scheduler != nil {
		status["scheduler"] = map[string]any{
			"running":     s.deps.Scheduler.Running(),
			"interval_ms": s.deps.Scheduler.Interval().Milliseconds(),
		}
	}
	return success(c, status)
}
