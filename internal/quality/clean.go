package quality

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/agroclima/quillota/internal/models"
)

// Field names accepted by per-field fill strategies.
const (
	FieldTempMean       = "temp_mean"
	FieldTempMax        = "temp_max"
	FieldTempMin        = "temp_min"
	FieldPrecipMM       = "precip_mm"
	FieldHumidity       = "humidity"
	FieldPressure       = "pressure"
	FieldWindSpeed      = "wind_speed"
	FieldWindDir        = "wind_dir"
	FieldCloudCover     = "cloud_cover"
	FieldSolarRadiation = "solar_radiation"
	FieldDewPoint       = "dew_point"
)

var fieldAccess = map[string]func(*models.Observation) *sql.NullFloat64{
	FieldTempMean:       func(o *models.Observation) *sql.NullFloat64 { return &o.TempMean },
	FieldTempMax:        func(o *models.Observation) *sql.NullFloat64 { return &o.TempMax },
	FieldTempMin:        func(o *models.Observation) *sql.NullFloat64 { return &o.TempMin },
	FieldPrecipMM:       func(o *models.Observation) *sql.NullFloat64 { return &o.PrecipMM },
	FieldHumidity:       func(o *models.Observation) *sql.NullFloat64 { return &o.Humidity },
	FieldPressure:       func(o *models.Observation) *sql.NullFloat64 { return &o.Pressure },
	FieldWindSpeed:      func(o *models.Observation) *sql.NullFloat64 { return &o.WindSpeed },
	FieldWindDir:        func(o *models.Observation) *sql.NullFloat64 { return &o.WindDir },
	FieldCloudCover:     func(o *models.Observation) *sql.NullFloat64 { return &o.CloudCover },
	FieldSolarRadiation: func(o *models.Observation) *sql.NullFloat64 { return &o.SolarRadiation },
	FieldDewPoint:       func(o *models.Observation) *sql.NullFloat64 { return &o.DewPoint },
}

// FillMethod selects how absent values at existing timestamps are imputed.
type FillMethod string

const (
	FillForward  FillMethod = "forward"  // carry last value forward, at most MaxSteps rows
	FillMean     FillMethod = "mean"     // mean of a sliding window of Window rows
	FillConstant FillMethod = "constant" // declared constant
	FillNone     FillMethod = "none"     // leave absent
)

type FillRule struct {
	Method   FillMethod `yaml:"method"`
	MaxSteps int        `yaml:"max_steps"`
	Window   int        `yaml:"window"`
	Constant float64    `yaml:"constant"`
}

// Strategy declares the cleaning steps. Nothing is inferred from the data.
type Strategy struct {
	DropAllNull bool                `yaml:"drop_all_null"`
	Dedupe      bool                `yaml:"dedupe"`
	Fill        map[string]FillRule `yaml:"fill"`
}

// Clean applies the declared strategy. It preserves monotone timestamps and
// only ever fills values at timestamps that already exist.
func Clean(records []models.Observation, strategy Strategy) ([]models.Observation, error) {
	for field := range strategy.Fill {
		if _, ok := fieldAccess[field]; !ok {
			return nil, fmt.Errorf("clean: unknown field %q in fill strategy", field)
		}
	}

	out := make([]models.Observation, len(records))
	copy(out, records)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})

	if strategy.Dedupe {
		out = dedupe(out)
	}
	if strategy.DropAllNull {
		out = dropAllNull(out)
	}
	for field, rule := range strategy.Fill {
		fill(out, field, rule)
	}
	return out, nil
}

// dedupe collapses rows with identical (station, timestamp), keeping the
// highest quality score; on ties the later row wins.
func dedupe(records []models.Observation) []models.Observation {
	var out []models.Observation
	for _, obs := range records {
		if n := len(out); n > 0 &&
			out[n-1].StationID == obs.StationID &&
			out[n-1].ObservedAt.Equal(obs.ObservedAt) {
			if obs.Quality >= out[n-1].Quality {
				out[n-1] = obs
			}
			continue
		}
		out = append(out, obs)
	}
	return out
}

func dropAllNull(records []models.Observation) []models.Observation {
	var out []models.Observation
	for i := range records {
		if !allNull(&records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}

func allNull(obs *models.Observation) bool {
	for _, access := range fieldAccess {
		if access(obs).Valid {
			return false
		}
	}
	return true
}

func fill(records []models.Observation, field string, rule FillRule) {
	access := fieldAccess[field]
	switch rule.Method {
	case FillForward:
		maxSteps := rule.MaxSteps
		if maxSteps <= 0 {
			maxSteps = 1
		}
		var last sql.NullFloat64
		gap := 0
		lastStation := ""
		for i := range records {
			if records[i].StationID != lastStation {
				last = sql.NullFloat64{}
				gap = 0
				lastStation = records[i].StationID
			}
			f := access(&records[i])
			if f.Valid {
				last = *f
				gap = 0
				continue
			}
			gap++
			if last.Valid && gap <= maxSteps {
				*f = last
			}
		}
	case FillMean:
		window := rule.Window
		if window <= 0 {
			window = 5
		}
		for i := range records {
			f := access(&records[i])
			if f.Valid {
				continue
			}
			if mean, ok := windowMean(records, i, window, access); ok {
				*f = sql.NullFloat64{Float64: mean, Valid: true}
			}
		}
	case FillConstant:
		for i := range records {
			f := access(&records[i])
			if !f.Valid {
				*f = sql.NullFloat64{Float64: rule.Constant, Valid: true}
			}
		}
	case FillNone, "":
	}
}

func windowMean(records []models.Observation, at, window int, access func(*models.Observation) *sql.NullFloat64) (float64, bool) {
	lo := at - window
	if lo < 0 {
		lo = 0
	}
	hi := at + window
	if hi >= len(records) {
		hi = len(records) - 1
	}
	sum, n := 0.0, 0
	for i := lo; i <= hi; i++ {
		if records[i].StationID != records[at].StationID {
			continue
		}
		if f := access(&records[i]); f.Valid {
			sum += f.Float64
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
