package reading

// NumericFields are the sensor columns that stats aggregate, in column order.
var NumericFields = []string{
	"temperature",
	"humidity",
	"soil_moisture",
	"water_level",
	"light_level",
	"plant_height",
}

// Numeric returns the value of one of NumericFields as a float.
func (f Fields) Numeric(name string) (float64, bool) {
	switch name {
	case "temperature":
		return derefFloat(f.Temperature)
	case "humidity":
		return derefFloat(f.Humidity)
	case "soil_moisture":
		return derefInt(f.SoilMoisture)
	case "water_level":
		return derefInt(f.WaterLevel)
	case "light_level":
		return derefInt(f.LightLevel)
	case "plant_height":
		return derefFloat(f.PlantHeight)
	default:
		return 0, false
	}
}

func derefFloat(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func derefInt(p *int) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

// FieldStats summarises one field. Avg, Min and Max are nil when Count is 0.
type FieldStats struct {
	Count int64    `json:"count"`
	Avg   *float64 `json:"avg"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

// Stats aggregates the readings in a scope.
type Stats struct {
	Total    int64                 `json:"total_readings"`
	Complete int64                 `json:"complete_readings"`
	Rainy    int64                 `json:"rainy_readings"`
	Fields   map[string]FieldStats `json:"fields"`
}

// Summarize computes Stats over rows.
func Summarize(rows []Reading) Stats {
	out := Stats{Fields: make(map[string]FieldStats, len(NumericFields))}
	sums := make(map[string]float64, len(NumericFields))
	for _, r := range rows {
		out.Total++
		if r.Populated() == FieldCount {
			out.Complete++
		}
		if r.RainStatus != nil && *r.RainStatus {
			out.Rainy++
		}
		for _, name := range NumericFields {
			v, ok := r.Numeric(name)
			if !ok {
				continue
			}
			fs := out.Fields[name]
			if fs.Count == 0 || v < *fs.Min {
				lo := v
				fs.Min = &lo
			}
			if fs.Count == 0 || v > *fs.Max {
				hi := v
				fs.Max = &hi
			}
			fs.Count++
			sums[name] += v
			out.Fields[name] = fs
		}
	}
	for _, name := range NumericFields {
		fs := out.Fields[name]
		if fs.Count > 0 {
			avg := sums[name] / float64(fs.Count)
			fs.Avg = &avg
		}
		out.Fields[name] = fs
	}
	return out
}
