package reading

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeRawAcceptsCamelAndSnakeKeys(t *testing.T) {
	t.Parallel()

	raw, err := DecodeRaw([]byte(`{
		"timestamp": "2025-03-01T10:00:00.250Z",
		"deviceId": "esp32-b",
		"temperature": 24.5,
		"soilMoisture": 1,
		"water_level": 0,
		"rainStatus": true,
		"firmware": "1.2.3"
	}`))
	if err != nil {
		t.Fatalf("DecodeRaw() error = %v", err)
	}

	if raw.Timestamp != "2025-03-01T10:00:00.250Z" {
		t.Fatalf("unexpected timestamp: got %q", raw.Timestamp)
	}
	if raw.DeviceID != "esp32-b" {
		t.Fatalf("unexpected device id: got %q", raw.DeviceID)
	}
	if raw.Temperature == nil || *raw.Temperature != 24.5 {
		t.Fatalf("unexpected temperature: got %v", raw.Temperature)
	}
	if raw.SoilMoisture == nil || *raw.SoilMoisture != 1 {
		t.Fatalf("unexpected soil moisture: got %v", raw.SoilMoisture)
	}
	if raw.WaterLevel == nil || *raw.WaterLevel != 0 {
		t.Fatalf("zero water level must be kept as present: got %v", raw.WaterLevel)
	}
	if raw.RainStatus == nil || !*raw.RainStatus {
		t.Fatalf("unexpected rain status: got %v", raw.RainStatus)
	}
	if raw.Humidity != nil {
		t.Fatalf("humidity should be absent, got %v", *raw.Humidity)
	}
}

func TestDecodeRawEpochMillis(t *testing.T) {
	t.Parallel()

	raw, err := DecodeRaw([]byte(`{"timestamp": 1740823200250, "humidity": 61}`))
	if err != nil {
		t.Fatalf("DecodeRaw() error = %v", err)
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		t.Fatalf("ParseTimestamp() error = %v", err)
	}
	want := time.UnixMilli(1740823200250).UTC()
	if !ts.Equal(want) {
		t.Fatalf("unexpected timestamp: got %s want %s", ts, want)
	}
}

func TestDecodeRawRejectsBadFieldValue(t *testing.T) {
	t.Parallel()

	if _, err := DecodeRaw([]byte(`{"temperature": "warm"}`)); err == nil {
		t.Fatalf("expected error for non-numeric temperature")
	}
}

func TestParseTimestampNormalizesToMillisUTC(t *testing.T) {
	t.Parallel()

	ts, err := ParseTimestamp("2025-03-01T12:00:00.123456+02:00")
	if err != nil {
		t.Fatalf("ParseTimestamp() error = %v", err)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
	if !ts.Equal(want) || ts.Location() != time.UTC {
		t.Fatalf("unexpected timestamp: got %s want %s", ts, want)
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for malformed timestamp")
	}
	if _, err := ParseTimestamp("  "); err == nil {
		t.Fatalf("expected error for empty timestamp")
	}
}

func TestSetTextTopicAliases(t *testing.T) {
	t.Parallel()

	var f Fields
	cases := map[string]string{
		"temperature": "21.75",
		"humidity":    "55",
		"soil":        "1",
		"water":       "0",
		"light":       "1",
		"height":      "12.5",
		"rain":        "false",
	}
	for name, payload := range cases {
		if err := f.SetText(name, payload); err != nil {
			t.Fatalf("SetText(%q, %q) error = %v", name, payload, err)
		}
	}
	if got := f.Populated(); got != FieldCount {
		t.Fatalf("unexpected populated count: got %d want %d", got, FieldCount)
	}
	if f.InitialQuality() != QualityRaw {
		t.Fatalf("complete reading should be raw, got %s", f.InitialQuality())
	}
	if *f.PlantHeight != 12.5 || *f.WaterLevel != 0 || *f.RainStatus {
		t.Fatalf("unexpected values: %+v", f)
	}

	err := f.SetText("pressure", "1013")
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("unexpected error: got %v want ErrUnknownField", err)
	}
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	from := base.Add(-time.Hour)
	minTemp := 20.0
	filter := Filter{
		Scope:          Scope{From: &from, DeviceID: "a"},
		MinTemperature: &minTemp,
	}

	warm := 22.0
	cold := 18.0
	if !filter.Matches(Reading{RecordedAt: base, DeviceID: "a", Fields: Fields{Temperature: &warm}}) {
		t.Fatalf("expected warm reading to match")
	}
	if filter.Matches(Reading{RecordedAt: base, DeviceID: "a", Fields: Fields{Temperature: &cold}}) {
		t.Fatalf("expected cold reading to be filtered")
	}
	if filter.Matches(Reading{RecordedAt: base, DeviceID: "a"}) {
		t.Fatalf("reading without temperature cannot satisfy a temperature bound")
	}
	if filter.Matches(Reading{RecordedAt: base, DeviceID: "b", Fields: Fields{Temperature: &warm}}) {
		t.Fatalf("expected other device to be filtered")
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	f := func(v float64) *float64 { return &v }
	i := func(v int) *int { return &v }
	rain := true
	rows := []Reading{
		{Fields: Fields{Temperature: f(20), Humidity: f(40), SoilMoisture: i(1), WaterLevel: i(0), LightLevel: i(1), PlantHeight: f(10), RainStatus: &rain}},
		{Fields: Fields{Temperature: f(26), SoilMoisture: i(0)}},
		{Fields: Fields{Humidity: f(50)}},
	}

	stats := Summarize(rows)
	if stats.Total != 3 || stats.Complete != 1 || stats.Rainy != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	temp := stats.Fields["temperature"]
	if temp.Count != 2 || *temp.Avg != 23 || *temp.Min != 20 || *temp.Max != 26 {
		t.Fatalf("unexpected temperature stats: %+v", temp)
	}
	soil := stats.Fields["soil_moisture"]
	if soil.Count != 2 || *soil.Avg != 0.5 || *soil.Min != 0 {
		t.Fatalf("zero soil readings must count: %+v", soil)
	}

	empty := Summarize(nil)
	if empty.Total != 0 || empty.Fields["humidity"].Avg != nil || len(empty.Fields) != len(NumericFields) {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
}
