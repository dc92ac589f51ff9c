package app

import (
	"flag"
	"fmt"
	"strings"

	"horse.fit/greenhouse/internal/reading"
)

// scopeFlags are the --from/--to/--device flags shared by read commands.
type scopeFlags struct {
	from   *string
	to     *string
	device *string
}

func addScopeFlags(fs *flag.FlagSet) *scopeFlags {
	return &scopeFlags{
		from:   fs.String("from", "", "Start date (YYYY-MM-DD, UTC, default last 24h)"),
		to:     fs.String("to", "", "End date (YYYY-MM-DD, UTC, inclusive)"),
		device: fs.String("device", "", "Only readings from this device"),
	}
}

func (f *scopeFlags) scope() (reading.Scope, error) {
	scope := reading.Scope{DeviceID: strings.TrimSpace(*f.device)}
	switch {
	case *f.from != "" && *f.to != "":
		from, to, err := parseUTCDateRange(*f.from, *f.to)
		if err != nil {
			return reading.Scope{}, err
		}
		scope.From, scope.To = &from, &to
	case *f.from != "" || *f.to != "":
		return reading.Scope{}, fmt.Errorf("--from and --to must be used together")
	}
	return scope, nil
}

// filterFlags add value bounds and sort order to scopeFlags.
type filterFlags struct {
	*scopeFlags
	minTemp     *string
	maxTemp     *string
	minHumidity *string
	maxHumidity *string
	sort        *string
}

func addFilterFlags(fs *flag.FlagSet) *filterFlags {
	return &filterFlags{
		scopeFlags:  addScopeFlags(fs),
		minTemp:     fs.String("min-temperature", "", "Minimum temperature"),
		maxTemp:     fs.String("max-temperature", "", "Maximum temperature"),
		minHumidity: fs.String("min-humidity", "", "Minimum humidity"),
		maxHumidity: fs.String("max-humidity", "", "Maximum humidity"),
		sort:        fs.String("sort", reading.SortDesc, "Sort order: asc or desc"),
	}
}

func (f *filterFlags) filter() (reading.Filter, error) {
	scope, err := f.scope()
	if err != nil {
		return reading.Filter{}, err
	}
	order := strings.ToLower(strings.TrimSpace(*f.sort))
	if order != reading.SortAsc && order != reading.SortDesc {
		return reading.Filter{}, fmt.Errorf("--sort must be asc or desc")
	}

	filter := reading.Filter{Scope: scope, Sort: order}
	bounds := []struct {
		name   string
		raw    string
		target **float64
	}{
		{"--min-temperature", *f.minTemp, &filter.MinTemperature},
		{"--max-temperature", *f.maxTemp, &filter.MaxTemperature},
		{"--min-humidity", *f.minHumidity, &filter.MinHumidity},
		{"--max-humidity", *f.maxHumidity, &filter.MaxHumidity},
	}
	for _, b := range bounds {
		value, err := parseOptionalFloat(b.raw)
		if err != nil {
			return reading.Filter{}, fmt.Errorf("%s must be a number", b.name)
		}
		*b.target = value
	}
	return filter, nil
}
