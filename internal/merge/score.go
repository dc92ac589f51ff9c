package merge

import (
	"horse.fit/greenhouse/internal/reading"
)

const (
	scoreValue = 2
	scoreZero  = 1
)

// CompletenessScore ranks how usefully a row populates its sensor fields.
// A non-zero value earns 2 points, a present zero earns 1 and a missing
// value earns nothing. RainStatus scores 2 whenever it is present.
func CompletenessScore(f reading.Fields) int {
	return numericScore(f.Temperature) +
		numericScore(f.Humidity) +
		numericScore(f.SoilMoisture) +
		numericScore(f.WaterLevel) +
		numericScore(f.LightLevel) +
		numericScore(f.PlantHeight) +
		boolScore(f.RainStatus)
}

func numericScore[T int | float64](v *T) int {
	switch {
	case v == nil:
		return 0
	case *v == 0:
		return scoreZero
	default:
		return scoreValue
	}
}

func boolScore(v *bool) int {
	if v == nil {
		return 0
	}
	return scoreValue
}

// ResolveFields merges candidates ordered survivor first. Per field it takes
// the first non-zero value, then the first present value, then nil.
func ResolveFields(candidates []reading.Fields) reading.Fields {
	out := reading.Fields{
		Temperature:  pickNumeric(candidates, func(f reading.Fields) *float64 { return f.Temperature }),
		Humidity:     pickNumeric(candidates, func(f reading.Fields) *float64 { return f.Humidity }),
		SoilMoisture: pickNumeric(candidates, func(f reading.Fields) *int { return f.SoilMoisture }),
		WaterLevel:   pickNumeric(candidates, func(f reading.Fields) *int { return f.WaterLevel }),
		LightLevel:   pickNumeric(candidates, func(f reading.Fields) *int { return f.LightLevel }),
		PlantHeight:  pickNumeric(candidates, func(f reading.Fields) *float64 { return f.PlantHeight }),
		RainStatus:   pickBool(candidates, func(f reading.Fields) *bool { return f.RainStatus }),
	}
	return out.Clone()
}

func pickNumeric[T int | float64](candidates []reading.Fields, get func(reading.Fields) *T) *T {
	var fallback *T
	for _, c := range candidates {
		v := get(c)
		if v == nil {
			continue
		}
		if *v != 0 {
			return v
		}
		if fallback == nil {
			fallback = v
		}
	}
	return fallback
}

func pickBool(candidates []reading.Fields, get func(reading.Fields) *bool) *bool {
	for _, c := range candidates {
		if v := get(c); v != nil {
			return v
		}
	}
	return nil
}
