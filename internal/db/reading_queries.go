package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"horse.fit/greenhouse/internal/reading"
)

const readingColumns = `
	r.reading_id,
	r.reading_uuid::text,
	r.recorded_at,
	r.device_id,
	r.source,
	r.data_quality::text,
	r.temperature,
	r.humidity,
	r.soil_moisture,
	r.water_level,
	r.light_level,
	r.plant_height,
	r.rain_status,
	r.merged_from,
	r.merged_at,
	r.original_timestamp,
	r.duplicates_removed,
	r.created_at,
	r.updated_at`

// scopeClause expects the scope bounds as $1..$3.
const scopeClause = `
	($1::timestamptz IS NULL OR r.recorded_at >= $1::timestamptz)
	AND ($2::timestamptz IS NULL OR r.recorded_at <= $2::timestamptz)
	AND ($3::text = '' OR r.device_id = $3::text)`

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

func scanReading(s Scanner) (reading.Reading, error) {
	var (
		r       reading.Reading
		quality string
	)
	if err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.RecordedAt,
		&r.DeviceID,
		&r.Source,
		&quality,
		&r.Temperature,
		&r.Humidity,
		&r.SoilMoisture,
		&r.WaterLevel,
		&r.LightLevel,
		&r.PlantHeight,
		&r.RainStatus,
		&r.MergedFrom,
		&r.MergedAt,
		&r.OriginalTimestamp,
		&r.DuplicatesRemoved,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return reading.Reading{}, err
	}
	r.Quality = reading.Quality(quality)
	r.RecordedAt = r.RecordedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (p *Pool) queryReadings(ctx context.Context, label, q string, args ...any) ([]reading.Reading, error) {
	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", label, err)
	}
	return collectReadings(rows, label)
}

func collectReadings(rows *sql.Rows, label string) ([]reading.Reading, error) {
	defer rows.Close()

	out := make([]reading.Reading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", label, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", label, err)
	}
	return out, nil
}

func scopeArgs(scope reading.Scope) []any {
	return []any{utcPtr(scope.From), utcPtr(scope.To), scope.DeviceID}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// InsertReading stores a new row and returns it with database-assigned values.
func (p *Pool) InsertReading(ctx context.Context, r reading.Reading) (reading.Reading, error) {
	if p == nil || p.gdb == nil {
		return reading.Reading{}, errPoolNotReady
	}

	row := SensorReading{
		RecordedAt:        reading.NormalizeTime(r.RecordedAt),
		DeviceID:          r.DeviceID,
		Source:            r.Source,
		DataQuality:       string(r.Quality),
		Temperature:       r.Temperature,
		Humidity:          r.Humidity,
		SoilMoisture:      r.SoilMoisture,
		WaterLevel:        r.WaterLevel,
		LightLevel:        r.LightLevel,
		PlantHeight:       r.PlantHeight,
		RainStatus:        r.RainStatus,
		MergedFrom:        r.MergedFrom,
		MergedAt:          r.MergedAt,
		OriginalTimestamp: r.OriginalTimestamp,
		DuplicatesRemoved: r.DuplicatesRemoved,
	}
	if row.DeviceID == "" {
		row.DeviceID = reading.DefaultDeviceID
	}
	if row.Source == "" {
		row.Source = reading.SourceAPI
	}
	if !r.Quality.Valid() {
		row.DataQuality = string(r.Fields.InitialQuality())
	}

	if err := p.gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return reading.Reading{}, fmt.Errorf("insert sensor reading: %w", err)
	}
	return row.toReading(), nil
}

func (m SensorReading) toReading() reading.Reading {
	return reading.Reading{
		ID:         m.ReadingID,
		UUID:       m.ReadingUUID,
		RecordedAt: m.RecordedAt.UTC(),
		DeviceID:   m.DeviceID,
		Source:     m.Source,
		Quality:    reading.Quality(m.DataQuality),
		Fields: reading.Fields{
			Temperature:  m.Temperature,
			Humidity:     m.Humidity,
			SoilMoisture: m.SoilMoisture,
			WaterLevel:   m.WaterLevel,
			LightLevel:   m.LightLevel,
			PlantHeight:  m.PlantHeight,
			RainStatus:   m.RainStatus,
		},
		MergedFrom:        m.MergedFrom,
		MergedAt:          m.MergedAt,
		OriginalTimestamp: m.OriginalTimestamp,
		DuplicatesRemoved: m.DuplicatesRemoved,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
}

func (p *Pool) GetReading(ctx context.Context, id int64) (reading.Reading, error) {
	const q = `
SELECT` + readingColumns + `
FROM greenhouse.sensor_readings r
WHERE r.reading_id = $1
`
	r, err := scanReading(p.QueryRow(ctx, q, id))
	if err != nil {
		if IsNoRows(err) {
			return reading.Reading{}, reading.ErrNotFound
		}
		return reading.Reading{}, fmt.Errorf("query reading %d: %w", id, err)
	}
	return r, nil
}

// ListExactDuplicates returns rows whose recorded_at is shared by another row in scope.
func (p *Pool) ListExactDuplicates(ctx context.Context, scope reading.Scope) ([]reading.Reading, error) {
	const q = `
SELECT` + readingColumns + `
FROM (
	SELECT r.*, COUNT(*) OVER (PARTITION BY r.recorded_at) AS dup_count
	FROM greenhouse.sensor_readings r
	WHERE` + scopeClause + `
) r
WHERE r.dup_count > 1
ORDER BY r.recorded_at ASC, r.reading_id ASC
`
	return p.queryReadings(ctx, "exact duplicates", q, scopeArgs(scope)...)
}

func (p *Pool) ListForNearScan(ctx context.Context, scope reading.Scope) ([]reading.Reading, error) {
	const q = `
SELECT` + readingColumns + `
FROM greenhouse.sensor_readings r
WHERE` + scopeClause + `
ORDER BY r.recorded_at ASC, r.reading_id ASC
`
	return p.queryReadings(ctx, "near scan", q, scopeArgs(scope)...)
}

// HasExactDuplicate stops at the first timestamp with more than one row.
func (p *Pool) HasExactDuplicate(ctx context.Context, scope reading.Scope) (bool, error) {
	const q = `
SELECT EXISTS (
	SELECT 1
	FROM greenhouse.sensor_readings r
	WHERE` + scopeClause + `
	GROUP BY r.recorded_at
	HAVING COUNT(*) > 1
	LIMIT 1
)
`
	var found bool
	if err := p.QueryRow(ctx, q, scopeArgs(scope)...).Scan(&found); err != nil {
		return false, fmt.Errorf("check exact duplicates: %w", err)
	}
	return found, nil
}

func (p *Pool) FindByTimestamp(ctx context.Context, ts time.Time) (reading.Reading, error) {
	const q = `
SELECT` + readingColumns + `
FROM greenhouse.sensor_readings r
WHERE r.recorded_at = $1
ORDER BY r.reading_id ASC
LIMIT 1
`
	r, err := scanReading(p.QueryRow(ctx, q, reading.NormalizeTime(ts)))
	if err != nil {
		if IsNoRows(err) {
			return reading.Reading{}, reading.ErrNotFound
		}
		return reading.Reading{}, fmt.Errorf("query reading at timestamp: %w", err)
	}
	return r, nil
}

func (p *Pool) FindInRange(ctx context.Context, from, to time.Time) ([]reading.Reading, error) {
	const q = `
SELECT` + readingColumns + `
FROM greenhouse.sensor_readings r
WHERE r.recorded_at >= $1
  AND r.recorded_at < $2
ORDER BY r.recorded_at ASC, r.reading_id ASC
`
	return p.queryReadings(ctx, "readings in range", q, from.UTC(), to.UTC())
}

// MergeRows locks the rows named by ids with SELECT ... FOR UPDATE, lets plan
// build a patch from their current values and applies it in the same
// transaction. Locks are taken in id order so concurrent merges cannot
// deadlock each other.
func (p *Pool) MergeRows(ctx context.Context, ids []int64, plan reading.MergePlan) (reading.Patch, bool, error) {
	if p == nil || p.gdb == nil {
		return reading.Patch{}, false, errPoolNotReady
	}
	if len(ids) == 0 {
		return reading.Patch{}, false, nil
	}

	const lockQuery = `
SELECT` + readingColumns + `
FROM greenhouse.sensor_readings r
WHERE r.reading_id IN ?
ORDER BY r.reading_id ASC
FOR UPDATE
`
	var (
		applied reading.Patch
		ok      bool
	)
	err := p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := tx.Raw(lockQuery, ids).Rows()
		if err != nil {
			return fmt.Errorf("lock merge rows: %w", err)
		}
		current, err := collectReadings(rows, "merge rows")
		if err != nil {
			return err
		}

		patch, proceed := plan(current)
		if !proceed {
			return nil
		}
		if err := patch.Validate(current); err != nil {
			return err
		}

		updates := map[string]any{
			"temperature":        patch.Fields.Temperature,
			"humidity":           patch.Fields.Humidity,
			"soil_moisture":      patch.Fields.SoilMoisture,
			"water_level":        patch.Fields.WaterLevel,
			"light_level":        patch.Fields.LightLevel,
			"plant_height":       patch.Fields.PlantHeight,
			"rain_status":        patch.Fields.RainStatus,
			"data_quality":       string(patch.Meta.Quality),
			"merged_from":        patch.Meta.MergedFrom,
			"merged_at":          patch.Meta.MergedAt.UTC(),
			"duplicates_removed": patch.Meta.DuplicatesRemoved,
			"updated_at":         gorm.Expr("now()"),
		}
		if patch.Meta.OriginalTimestamp != nil {
			updates["original_timestamp"] = patch.Meta.OriginalTimestamp.UTC()
		}

		res := tx.Model(&SensorReading{}).Where("reading_id = ?", patch.SurvivorID).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update survivor %d: %w", patch.SurvivorID, res.Error)
		}
		if len(patch.DeleteIDs) > 0 {
			if err := tx.Where("reading_id IN ?", patch.DeleteIDs).Delete(&SensorReading{}).Error; err != nil {
				return fmt.Errorf("delete absorbed readings: %w", err)
			}
		}
		applied, ok = patch, true
		return nil
	})
	if err != nil {
		return reading.Patch{}, false, err
	}
	return applied, ok, nil
}

// ListReadings serves paginated history. The sort direction is whitelisted
// before it is spliced into the query.
func (p *Pool) ListReadings(ctx context.Context, filter reading.Filter) (reading.Page, error) {
	const where = `
FROM greenhouse.sensor_readings r
WHERE` + scopeClause + `
  AND ($4::double precision IS NULL OR r.temperature >= $4::double precision)
  AND ($5::double precision IS NULL OR r.temperature <= $5::double precision)
  AND ($6::double precision IS NULL OR r.humidity >= $6::double precision)
  AND ($7::double precision IS NULL OR r.humidity <= $7::double precision)`

	args := append(scopeArgs(filter.Scope),
		filter.MinTemperature,
		filter.MaxTemperature,
		filter.MinHumidity,
		filter.MaxHumidity,
	)

	var total int64
	if err := p.QueryRow(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return reading.Page{}, fmt.Errorf("count readings: %w", err)
	}

	direction := "DESC"
	if filter.Sort == reading.SortAsc {
		direction = "ASC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT` + readingColumns + where + `
ORDER BY r.recorded_at ` + direction + `, r.reading_id ` + direction + `
LIMIT $8 OFFSET $9`

	items, err := p.queryReadings(ctx, "readings", q, append(args, limit, filter.Offset())...)
	if err != nil {
		return reading.Page{}, err
	}
	return reading.Page{Items: items, Total: total}, nil
}

func (p *Pool) LatestReading(ctx context.Context, scope reading.Scope) (reading.Reading, error) {
	const q = `
SELECT` + readingColumns + `
FROM greenhouse.sensor_readings r
WHERE` + scopeClause + `
ORDER BY r.recorded_at DESC, r.reading_id DESC
LIMIT 1
`
	r, err := scanReading(p.QueryRow(ctx, q, scopeArgs(scope)...))
	if err != nil {
		if IsNoRows(err) {
			return reading.Reading{}, reading.ErrNotFound
		}
		return reading.Reading{}, fmt.Errorf("query latest reading: %w", err)
	}
	return r, nil
}

// statsQuery aggregates every numeric column in one scan. Column names come
// from reading.NumericFields, never from callers.
var statsQuery = func() string {
	var b strings.Builder
	b.WriteString(`
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE num_nonnulls(r.temperature, r.humidity, r.soil_moisture, r.water_level, r.light_level, r.plant_height, r.rain_status) = 7),
	COUNT(*) FILTER (WHERE r.rain_status)`)
	for _, col := range reading.NumericFields {
		fmt.Fprintf(&b, `,
	COUNT(r.%[1]s),
	AVG(r.%[1]s)::double precision,
	MIN(r.%[1]s)::double precision,
	MAX(r.%[1]s)::double precision`, col)
	}
	b.WriteString(`
FROM greenhouse.sensor_readings r
WHERE` + scopeClause)
	return b.String()
}()

func (p *Pool) ReadingStats(ctx context.Context, scope reading.Scope) (reading.Stats, error) {
	stats := reading.Stats{Fields: make(map[string]reading.FieldStats, len(reading.NumericFields))}
	fields := make([]reading.FieldStats, len(reading.NumericFields))

	dest := []any{&stats.Total, &stats.Complete, &stats.Rainy}
	for i := range fields {
		dest = append(dest, &fields[i].Count, &fields[i].Avg, &fields[i].Min, &fields[i].Max)
	}
	if err := p.QueryRow(ctx, statsQuery, scopeArgs(scope)...).Scan(dest...); err != nil {
		return reading.Stats{}, fmt.Errorf("aggregate readings: %w", err)
	}
	for i, name := range reading.NumericFields {
		stats.Fields[name] = fields[i]
	}
	return stats, nil
}

func (p *Pool) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM greenhouse.sensor_readings
WHERE recorded_at < $1
`
	deleted, err := p.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete readings before cutoff: %w", err)
	}
	return deleted, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return errPoolNotReady
	}
	return p.sqlDB.PingContext(ctx)
}
