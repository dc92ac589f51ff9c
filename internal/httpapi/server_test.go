package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"horse.fit/greenhouse/internal/history"
	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/memstore"
	"horse.fit/greenhouse/internal/merge"
	"horse.fit/greenhouse/internal/reading"
)

type testEnvelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	server *Server
	store  *memstore.Store
	engine *merge.Engine
	echo   *echo.Echo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memstore.New()
	engine := merge.NewEngine(store, zerolog.Nop(), merge.EngineOptions{})
	t.Cleanup(engine.Stop)
	ingester := ingest.NewService(store, engine.Gate, engine.Trigger, zerolog.Nop(), ingest.Options{})

	server := NewServer(Dependencies{
		Store:     store,
		Ingester:  ingester,
		History:   history.NewService(store, engine.Guard, zerolog.Nop()),
		Merge:     engine.Orchestrator,
		Trigger:   engine.Trigger,
		Scheduler: engine.Scheduler,
	}, zerolog.Nop(), Options{})

	return &testEnv{server: server, store: store, engine: engine, echo: server.routes()}
}

func (env *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	var envelope testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, envelope
}

func (env *testEnv) seed(t *testing.T, ts time.Time, fields reading.Fields) reading.Reading {
	t.Helper()
	row, err := env.store.InsertReading(context.Background(), reading.Reading{RecordedAt: ts, Fields: fields})
	if err != nil {
		t.Fatalf("InsertReading() error = %v", err)
	}
	return row
}

func f64(v float64) *float64 { return &v }

func recentTime() time.Time {
	return time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || body.Status != "success" {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	env.server.deps.Store = failingPinger{}
	rec, body = env.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusServiceUnavailable || body.Status != "error" {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestIngestReadingInsertThenMerge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := recentTime().Format(time.RFC3339)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/readings", `{"timestamp":"`+ts+`","temperature":25.5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	rec, body := env.do(t, http.MethodPost, "/api/v1/readings", `{"timestamp":"`+ts+`","humidity":61}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var res ingest.Result
	if err := json.Unmarshal(body.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Action != merge.ActionMerged || res.Reading.Temperature == nil || res.Reading.Humidity == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.store.Len() != 1 {
		t.Fatalf("unexpected row count: got %d want 1", env.store.Len())
	}
}

func TestIngestReadingValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cases := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "not json", body: "{"},
		{name: "no sensor values", body: `{"timestamp":"2025-03-01T12:00:00Z"}`},
		{name: "bad value", body: `{"temperature":"hot"}`},
	}
	for _, tc := range cases {
		rec, body := env.do(t, http.MethodPost, "/api/v1/readings", tc.body)
		if rec.Code != http.StatusBadRequest || body.Status != "fail" {
			t.Fatalf("%s: unexpected response %d %s", tc.name, rec.Code, rec.Body.String())
		}
	}
	if env.store.Len() != 0 {
		t.Fatalf("invalid requests must not store rows")
	}
}

func TestListReadingsReconcilesDuplicates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := recentTime()
	env.seed(t, ts, reading.Fields{Temperature: f64(25)})
	env.seed(t, ts, reading.Fields{Humidity: f64(60)})
	env.seed(t, ts.Add(-time.Hour), reading.Fields{Temperature: f64(18)})

	rec, body := env.do(t, http.MethodGet, "/api/v1/readings?sort=asc&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}

	var data struct {
		Items      []reading.Reading `json:"items"`
		Reconciled bool              `json:"reconciled"`
		Pagination struct {
			TotalItems int64 `json:"total_items"`
			Limit      int   `json:"limit"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if !data.Reconciled || data.Pagination.TotalItems != 2 || data.Pagination.Limit != 10 {
		t.Fatalf("unexpected listing metadata: %+v", data)
	}
	if len(data.Items) != 2 || !data.Items[0].RecordedAt.Before(data.Items[1].RecordedAt) {
		t.Fatalf("unexpected items: %+v", data.Items)
	}
	if data.Items[1].Temperature == nil || data.Items[1].Humidity == nil {
		t.Fatalf("merged row should carry both values: %+v", data.Items[1].Fields)
	}
}

func TestListReadingsValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/v1/readings?limit=501&sort=up&min_temperature=warm&from=2025-03-02&to=2025-03-01", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var data struct {
		Errors map[string]string `json:"validation_errors"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode errors: %v", err)
	}
	for _, key := range []string{"limit", "sort", "min_temperature", "time_range"} {
		if _, ok := data.Errors[key]; !ok {
			t.Fatalf("missing validation error for %s: %+v", key, data.Errors)
		}
	}
}

func TestLatestReading(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/api/v1/readings/latest", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}

	env.seed(t, recentTime(), reading.Fields{Temperature: f64(21)})
	newest := env.seed(t, recentTime().Add(time.Minute), reading.Fields{Temperature: f64(22)})

	rec, body := env.do(t, http.MethodGet, "/api/v1/readings/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got reading.Reading
	if err := json.Unmarshal(body.Data, &got); err != nil {
		t.Fatalf("decode reading: %v", err)
	}
	if got.ID != newest.ID {
		t.Fatalf("unexpected latest id: got %d want %d", got.ID, newest.ID)
	}
}

func TestRunMergeAndStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := recentTime()
	env.seed(t, ts, reading.Fields{Temperature: f64(25)})
	env.seed(t, ts, reading.Fields{Humidity: f64(60)})
	env.seed(t, ts.Add(20*time.Second), reading.Fields{Temperature: f64(26)})

	rec, body := env.do(t, http.MethodGet, "/api/v1/merge/preview?exact_only=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected preview status: %d %s", rec.Code, rec.Body.String())
	}
	var preview merge.Preview
	if err := json.Unmarshal(body.Data, &preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.ExactGroups != 1 || preview.RecordsToDelete != 1 || env.store.Len() != 3 {
		t.Fatalf("unexpected preview: %+v rows=%d", preview, env.store.Len())
	}

	rec, body = env.do(t, http.MethodPost, "/api/v1/merge", `{"exact_only":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected merge status: %d %s", rec.Code, rec.Body.String())
	}
	var stats merge.Statistics
	if err := json.Unmarshal(body.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if !stats.ExactOnly || stats.ExactGroups != 1 || stats.NearGroups != 0 || env.store.Len() != 2 {
		t.Fatalf("unexpected stats: %+v rows=%d", stats, env.store.Len())
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/merge?window_ms=60000", "")
	if rec.Code != http.StatusOK || env.store.Len() != 1 {
		t.Fatalf("near merge did not collapse rows: %d rows=%d", rec.Code, env.store.Len())
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/merge/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var status struct {
		Busy     bool              `json:"busy"`
		LastPass *merge.Statistics `json:"last_pass"`
		Reactive merge.TriggerStatus
	}
	if err := json.Unmarshal(body.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Busy || status.LastPass == nil || status.LastPass.WindowMS != 60000 {
		t.Fatalf("unexpected merge status: %+v", status)
	}
}

func TestRunMergeValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/v1/merge?exact_only=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	rec, _ = env.do(t, http.MethodPost, "/api/v1/merge", `{"window_ms":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.seed(t, time.Now().UTC().Add(-10*24*time.Hour), reading.Fields{Temperature: f64(12)})
	env.seed(t, recentTime(), reading.Fields{Temperature: f64(22)})

	rec, body := env.do(t, http.MethodPost, "/api/v1/readings/cleanup?retention_days=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var data struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode cleanup: %v", err)
	}
	if data.Deleted != 1 || env.store.Len() != 1 {
		t.Fatalf("unexpected cleanup: deleted=%d rows=%d", data.Deleted, env.store.Len())
	}
}

func TestUnknownAPIRouteUsesJSend(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound || body.Status != "fail" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReadingStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := recentTime()
	env.seed(t, ts, reading.Fields{Temperature: f64(20)})
	env.seed(t, ts, reading.Fields{Humidity: f64(60)})
	env.seed(t, ts.Add(-time.Hour), reading.Fields{Temperature: f64(25)})

	rec, body := env.do(t, http.MethodGet, "/api/v1/readings/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var data history.Report
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	temp := data.Fields["temperature"]
	if !data.Reconciled || data.Total != 2 || temp.Avg == nil || *temp.Avg != 22.5 {
		t.Fatalf("unexpected stats: total=%d reconciled=%v temperature=%+v", data.Total, data.Reconciled, temp)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/readings/stats?from=tomorrow", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for bad range: %d", rec.Code)
	}
}

func TestExportReadings(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := recentTime()
	env.seed(t, ts, reading.Fields{Temperature: f64(20)})
	env.seed(t, ts, reading.Fields{Humidity: f64(60)})
	env.seed(t, ts.Add(-time.Hour), reading.Fields{Temperature: f64(31)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/readings/export?min_temperature=19&sort=asc", nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "attachment") || !strings.Contains(cd, ".csv") {
		t.Fatalf("unexpected content disposition: %q", cd)
	}
	if rec.Header().Get("X-Export-Rows") != "2" {
		t.Fatalf("unexpected row header: %q", rec.Header().Get("X-Export-Rows"))
	}

	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("unexpected record count: got %d want 3", len(records))
	}
	if records[1][2] != "31" || records[2][2] != "20" || records[2][3] != "60" {
		t.Fatalf("unexpected rows: %v", records[1:])
	}

	rec, body := env.do(t, http.MethodGet, "/api/v1/readings/export?sort=sideways", "")
	if rec.Code != http.StatusBadRequest || body.Status != "fail" {
		t.Fatalf("unexpected validation response: %d %s", rec.Code, rec.Body.String())
	}
}
