package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/relvacode/iso8601"
)

var ErrUnknownField = errors.New("unknown sensor field")

// Raw is a producer payload before normalisation.
type Raw struct {
	Timestamp string `json:"timestamp,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Fields
}

var fieldAliases = map[string]string{
	"temperature":   "temperature",
	"temp":          "temperature",
	"humidity":      "humidity",
	"soil":          "soil_moisture",
	"soil_moisture": "soil_moisture",
	"water":         "water_level",
	"water_level":   "water_level",
	"light":         "light_level",
	"light_level":   "light_level",
	"height":        "plant_height",
	"plant_height":  "plant_height",
	"rain":          "rain_status",
	"rain_status":   "rain_status",
}

var timestampKeys = map[string]struct{}{
	"timestamp":   {},
	"recorded_at": {},
	"created_at":  {},
	"ts":          {},
}

// CanonicalField maps a producer key such as "soilMoisture", "soil" or
// "soil_moisture" to its canonical snake_case field name.
func CanonicalField(name string) (string, bool) {
	key := strcase.ToSnake(strings.TrimSpace(name))
	field, ok := fieldAliases[key]
	return field, ok
}

// DecodeRaw parses a JSON producer payload. Keys may be camelCase or
// snake_case; unknown keys are ignored.
func DecodeRaw(data []byte) (Raw, error) {
	var doc map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Raw{}, fmt.Errorf("decode reading payload: %w", err)
	}

	var raw Raw
	for key, value := range doc {
		snake := strcase.ToSnake(strings.TrimSpace(key))
		if _, ok := timestampKeys[snake]; ok {
			ts, err := decodeTimestampValue(value)
			if err != nil {
				return Raw{}, fmt.Errorf("decode %s: %w", key, err)
			}
			raw.Timestamp = ts
			continue
		}
		if snake == "device_id" || snake == "device" {
			var deviceID string
			if err := json.Unmarshal(value, &deviceID); err != nil {
				return Raw{}, fmt.Errorf("decode %s: %w", key, err)
			}
			raw.DeviceID = strings.TrimSpace(deviceID)
			continue
		}

		field, ok := fieldAliases[snake]
		if !ok {
			continue
		}
		var decoded any
		vdec := json.NewDecoder(bytes.NewReader(value))
		vdec.UseNumber()
		if err := vdec.Decode(&decoded); err != nil {
			return Raw{}, fmt.Errorf("decode %s: %w", key, err)
		}
		if err := raw.Fields.set(field, decoded); err != nil {
			return Raw{}, err
		}
	}
	return raw, nil
}

// SetText assigns a single sensor value from a plain-text payload,
// as delivered on per-sensor broker topics.
func (f *Fields) SetText(name, text string) error {
	field, ok := CanonicalField(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("%s: empty value", field)
	}
	if b, err := strconv.ParseBool(trimmed); err == nil && !isNumeric(trimmed) {
		return f.set(field, b)
	}
	return f.set(field, json.Number(trimmed))
}

func (f *Fields) set(field string, value any) error {
	if value == nil {
		return nil
	}
	switch field {
	case "temperature":
		v, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		f.Temperature = &v
	case "humidity":
		v, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("humidity: %w", err)
		}
		f.Humidity = &v
	case "plant_height":
		v, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("plant_height: %w", err)
		}
		f.PlantHeight = &v
	case "soil_moisture":
		v, err := toInt(value)
		if err != nil {
			return fmt.Errorf("soil_moisture: %w", err)
		}
		f.SoilMoisture = &v
	case "water_level":
		v, err := toInt(value)
		if err != nil {
			return fmt.Errorf("water_level: %w", err)
		}
		f.WaterLevel = &v
	case "light_level":
		v, err := toInt(value)
		if err != nil {
			return fmt.Errorf("light_level: %w", err)
		}
		f.LightLevel = &v
	case "rain_status":
		v, err := toBool(value)
		if err != nil {
			return fmt.Errorf("rain_status: %w", err)
		}
		f.RainStatus = &v
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return nil
}

// ParseTimestamp accepts epoch milliseconds or an ISO-8601 instant.
func ParseTimestamp(text string) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	if isNumeric(trimmed) {
		ms, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsInf(ms, 0) || math.IsNaN(ms) {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %q", trimmed)
		}
		return NormalizeTime(time.UnixMilli(int64(ms))), nil
	}
	ts, err := iso8601.ParseString(trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", trimmed, err)
	}
	return NormalizeTime(ts), nil
}

func decodeTimestampValue(value json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", fmt.Errorf("timestamp must be a string or number")
	}
	return n.String(), nil
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported value %v", value)
	}
}

func toInt(value any) (int, error) {
	f, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	return int(math.Round(f)), nil
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	default:
		f, err := toFloat(value)
		if err != nil {
			return false, err
		}
		return f != 0, nil
	}
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
