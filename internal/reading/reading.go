package reading

import (
	"errors"
	"fmt"
	"time"
)

// DefaultDeviceID is stamped on readings whose producer did not identify itself.
const DefaultDeviceID = "esp32-greenhouse-01"

const (
	SourceMQTT     = "mqtt"
	SourceRealtime = "realtime"
	SourceAPI      = "api"
	SourceCLI      = "cli"
)

// Quality describes the provenance of a stored reading.
type Quality string

const (
	QualityRaw            Quality = "raw"
	QualityPartial        Quality = "partial"
	QualityMerged         Quality = "merged"
	QualityMergedEnhanced Quality = "merged_enhanced"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityRaw, QualityPartial, QualityMerged, QualityMergedEnhanced:
		return true
	default:
		return false
	}
}

// Fields holds the seven independently nullable sensor values.
//
// SoilMoisture, WaterLevel and LightLevel are binary sensors reporting 0 or 1,
// where 0 doubles as the "no updated value" sentinel. RainStatus is the only
// boolean-typed field, so any non-nil value is meaningful.
type Fields struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	SoilMoisture *int     `json:"soil_moisture,omitempty"`
	WaterLevel   *int     `json:"water_level,omitempty"`
	LightLevel   *int     `json:"light_level,omitempty"`
	PlantHeight  *float64 `json:"plant_height,omitempty"`
	RainStatus   *bool    `json:"rain_status,omitempty"`
}

// FieldCount is the number of sensor fields a reading can carry.
const FieldCount = 7

// Populated returns how many sensor fields are non-nil.
func (f Fields) Populated() int {
	n := 0
	if f.Temperature != nil {
		n++
	}
	if f.Humidity != nil {
		n++
	}
	if f.SoilMoisture != nil {
		n++
	}
	if f.WaterLevel != nil {
		n++
	}
	if f.LightLevel != nil {
		n++
	}
	if f.PlantHeight != nil {
		n++
	}
	if f.RainStatus != nil {
		n++
	}
	return n
}

func (f Fields) Empty() bool {
	return f.Populated() == 0
}

// InitialQuality is the quality tag for a freshly ingested row.
func (f Fields) InitialQuality() Quality {
	if f.Populated() == FieldCount {
		return QualityRaw
	}
	return QualityPartial
}

// Clone returns a deep copy so callers can mutate values without aliasing.
func (f Fields) Clone() Fields {
	return Fields{
		Temperature:  clonePtr(f.Temperature),
		Humidity:     clonePtr(f.Humidity),
		SoilMoisture: clonePtr(f.SoilMoisture),
		WaterLevel:   clonePtr(f.WaterLevel),
		LightLevel:   clonePtr(f.LightLevel),
		PlantHeight:  clonePtr(f.PlantHeight),
		RainStatus:   clonePtr(f.RainStatus),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Reading is one stored sensor row.
type Reading struct {
	ID         int64     `json:"id"`
	UUID       string    `json:"uuid"`
	RecordedAt time.Time `json:"recorded_at"`
	DeviceID   string    `json:"device_id"`
	Source     string    `json:"source"`
	Quality    Quality   `json:"data_quality"`
	Fields

	MergedFrom        int        `json:"merged_from"`
	MergedAt          *time.Time `json:"merged_at,omitempty"`
	OriginalTimestamp *time.Time `json:"original_timestamp,omitempty"`
	DuplicatesRemoved int        `json:"duplicates_removed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeMeta is the provenance stamped onto a survivor when fields are absorbed.
type MergeMeta struct {
	Quality           Quality
	MergedFrom        int
	MergedAt          time.Time
	OriginalTimestamp *time.Time
	DuplicatesRemoved int
}

// NormalizeTime converts t to the canonical merge-key form: UTC with
// millisecond precision, so equality holds across producers and storage.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Scope restricts duplicate checks and passes to a slice of history.
// Zero values mean unbounded.
type Scope struct {
	From     *time.Time
	To       *time.Time
	DeviceID string
}

func (s Scope) Contains(r Reading) bool {
	if s.From != nil && r.RecordedAt.Before(*s.From) {
		return false
	}
	if s.To != nil && r.RecordedAt.After(*s.To) {
		return false
	}
	if s.DeviceID != "" && r.DeviceID != s.DeviceID {
		return false
	}
	return true
}

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Filter drives paginated history listings.
type Filter struct {
	Scope
	MinTemperature *float64
	MaxTemperature *float64
	MinHumidity    *float64
	MaxHumidity    *float64
	Sort           string
	Page           int
	Limit          int
}

func (f Filter) Matches(r Reading) bool {
	if !f.Scope.Contains(r) {
		return false
	}
	if !inRange(r.Temperature, f.MinTemperature, f.MaxTemperature) {
		return false
	}
	return inRange(r.Humidity, f.MinHumidity, f.MaxHumidity)
}

func (f Filter) Offset() int {
	if f.Page <= 1 || f.Limit <= 0 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

func inRange(v, lo, hi *float64) bool {
	if lo == nil && hi == nil {
		return true
	}
	if v == nil {
		return false
	}
	if lo != nil && *v < *lo {
		return false
	}
	if hi != nil && *v > *hi {
		return false
	}
	return true
}

// Page is one slice of a filtered listing.
type Page struct {
	Items []Reading `json:"items"`
	Total int64     `json:"total"`
}

// ErrNotFound is returned by stores when a referenced reading no longer exists.
var ErrNotFound = errors.New("reading not found")

// Patch describes one atomic merge: overwrite the survivor's sensor fields and
// provenance, then delete the absorbed rows.
type Patch struct {
	SurvivorID int64
	Fields     Fields
	Meta       MergeMeta
	DeleteIDs  []int64
}

// MergePlan computes a patch from the current state of the rows being merged,
// ordered by id. Stores call it while those rows are locked; returning false
// leaves them untouched.
type MergePlan func(current []Reading) (Patch, bool)

// Validate checks that p only touches rows in locked.
func (p Patch) Validate(locked []Reading) error {
	held := make(map[int64]struct{}, len(locked))
	for _, r := range locked {
		held[r.ID] = struct{}{}
	}
	if _, ok := held[p.SurvivorID]; !ok {
		return fmt.Errorf("survivor %d: %w", p.SurvivorID, ErrNotFound)
	}
	for _, id := range p.DeleteIDs {
		if id == p.SurvivorID {
			return fmt.Errorf("survivor %d listed for deletion", id)
		}
		if _, ok := held[id]; !ok {
			return fmt.Errorf("reading %d is not part of the merge", id)
		}
	}
	return nil
}
