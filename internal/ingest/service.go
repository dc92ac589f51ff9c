// Package ingest is the single entry point every producer uses to store a
// reading: timestamp normalisation, the pre-write merge gate, insert, the
// reactive merge trigger and the realtime broadcast.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/globaltime"
	"horse.fit/greenhouse/internal/merge"
	"horse.fit/greenhouse/internal/reading"
)

var (
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrEmptyReading     = errors.New("reading has no sensor values")
)

const (
	OnInvalidTimestampNow    = "now"
	OnInvalidTimestampReject = "reject"
)

type Store interface {
	InsertReading(ctx context.Context, r reading.Reading) (reading.Reading, error)
}

type Gate interface {
	Check(ctx context.Context, incoming reading.Reading) (merge.GateResult, error)
}

type Trigger interface {
	Notify(ctx context.Context, scope reading.Scope) merge.TriggerResult
}

// Broadcaster is told about every stored or merged reading.
type Broadcaster interface {
	ReadingStored(r reading.Reading, action merge.Action)
}

type Options struct {
	OnInvalidTimestamp string
	Clock              func() time.Time
}

// Result describes what happened to one ingested reading.
type Result struct {
	Action             merge.Action         `json:"action"`
	Reading            reading.Reading      `json:"reading"`
	TimestampDefaulted bool                 `json:"timestamp_defaulted"`
	Trigger            merge.TriggerOutcome `json:"trigger"`
}

type Service struct {
	store       Store
	gate        Gate
	trigger     Trigger
	broadcaster Broadcaster
	logger      zerolog.Logger
	opts        Options
}

func NewService(store Store, gate Gate, trigger Trigger, logger zerolog.Logger, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = globaltime.UTCMillis
	}
	opts.OnInvalidTimestamp = strings.ToLower(strings.TrimSpace(opts.OnInvalidTimestamp))
	if opts.OnInvalidTimestamp != OnInvalidTimestampReject {
		opts.OnInvalidTimestamp = OnInvalidTimestampNow
	}
	return &Service{
		store:   store,
		gate:    gate,
		trigger: trigger,
		logger:  logger.With().Str("component", "ingest").Logger(),
		opts:    opts,
	}
}

// SetBroadcaster attaches the realtime channel after construction, since the
// channel itself ingests through this service.
func (s *Service) SetBroadcaster(b Broadcaster) {
	if s == nil {
		return
	}
	s.broadcaster = b
}

// Ingest stores raw or merges it into an existing row. Only a rejected
// timestamp, an empty reading or a failed insert is returned as an error;
// merge problems are logged and never fail the write.
func (s *Service) Ingest(ctx context.Context, raw reading.Raw, source string) (Result, error) {
	if s == nil || s.store == nil {
		return Result{}, fmt.Errorf("ingest service is not initialized")
	}
	if raw.Fields.Empty() {
		return Result{}, ErrEmptyReading
	}

	ts, defaulted, err := s.resolveTimestamp(raw.Timestamp)
	if err != nil {
		return Result{}, err
	}

	deviceID := strings.TrimSpace(raw.DeviceID)
	if deviceID == "" {
		deviceID = reading.DefaultDeviceID
	}
	incoming := reading.Reading{
		RecordedAt: ts,
		DeviceID:   deviceID,
		Source:     source,
		Quality:    raw.Fields.InitialQuality(),
		Fields:     raw.Fields.Clone(),
	}

	result := Result{Action: merge.ActionInsert, TimestampDefaulted: defaulted}
	stored, merged := s.tryGate(ctx, incoming)
	if merged {
		result.Action = merge.ActionMerged
	} else {
		stored, err = s.store.InsertReading(ctx, incoming)
		if err != nil {
			return Result{}, fmt.Errorf("insert reading: %w", err)
		}
	}
	result.Reading = stored

	if s.trigger != nil {
		result.Trigger = s.trigger.Notify(ctx, reading.Scope{}).Outcome
	}
	if s.broadcaster != nil {
		s.broadcaster.ReadingStored(stored, result.Action)
	}

	s.logger.Debug().
		Str("source", source).
		Str("action", string(result.Action)).
		Int64("reading_id", stored.ID).
		Time("recorded_at", stored.RecordedAt).
		Str("trigger", string(result.Trigger)).
		Msg("reading ingested")

	return result, nil
}

func (s *Service) tryGate(ctx context.Context, incoming reading.Reading) (reading.Reading, bool) {
	if s.gate == nil {
		return reading.Reading{}, false
	}
	res, err := s.gate.Check(ctx, incoming)
	if err != nil {
		s.logger.Warn().Err(err).Time("recorded_at", incoming.RecordedAt).Msg("merge gate failed, inserting")
		return reading.Reading{}, false
	}
	if res.Action != merge.ActionMerged || res.Reading == nil {
		return reading.Reading{}, false
	}
	return *res.Reading, true
}

func (s *Service) resolveTimestamp(text string) (time.Time, bool, error) {
	if strings.TrimSpace(text) == "" {
		return reading.NormalizeTime(s.opts.Clock()), true, nil
	}
	ts, err := reading.ParseTimestamp(text)
	if err == nil {
		return ts, false, nil
	}
	if s.opts.OnInvalidTimestamp == OnInvalidTimestampReject {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	s.logger.Warn().Err(err).Str("timestamp", text).Msg("malformed timestamp replaced with current time")
	return reading.NormalizeTime(s.opts.Clock()), true, nil
}
