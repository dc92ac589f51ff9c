package db

import (
	"time"
)

// SensorReading maps greenhouse.sensor_readings.
type SensorReading struct {
	ReadingID         int64      `gorm:"column:reading_id;primaryKey;autoIncrement"`
	ReadingUUID       string     `gorm:"column:reading_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	RecordedAt        time.Time  `gorm:"column:recorded_at;type:timestamptz;not null"`
	DeviceID          string     `gorm:"column:device_id;type:text;not null;default:'esp32-greenhouse-01'"`
	Source            string     `gorm:"column:source;type:text;not null;default:'api'"`
	DataQuality       string     `gorm:"column:data_quality;type:greenhouse.data_quality;not null;default:'partial'"`
	Temperature       *float64   `gorm:"column:temperature;type:double precision"`
	Humidity          *float64   `gorm:"column:humidity;type:double precision"`
	SoilMoisture      *int       `gorm:"column:soil_moisture;type:smallint"`
	WaterLevel        *int       `gorm:"column:water_level;type:smallint"`
	LightLevel        *int       `gorm:"column:light_level;type:smallint"`
	PlantHeight       *float64   `gorm:"column:plant_height;type:double precision"`
	RainStatus        *bool      `gorm:"column:rain_status;type:boolean"`
	MergedFrom        int        `gorm:"column:merged_from;type:integer;not null;default:0"`
	MergedAt          *time.Time `gorm:"column:merged_at;type:timestamptz"`
	OriginalTimestamp *time.Time `gorm:"column:original_timestamp;type:timestamptz"`
	DuplicatesRemoved int        `gorm:"column:duplicates_removed;type:integer;not null;default:0"`
	CreatedAt         time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (SensorReading) TableName() string { return "greenhouse.sensor_readings" }

func autoMigrateModels() []any {
	return []any{
		&SensorReading{},
	}
}
