// Package quality holds the pure validation and cleaning stages of the
// observation pipeline. Nothing here performs I/O; malformed values become
// enumerated defects on the record, never errors.
package quality

import (
	"database/sql"
	"math"
	"sort"

	"github.com/agroclima/quillota/internal/models"
)

// Defect kinds found during validation.
const (
	DefectTempOutOfRange       = "temp_out_of_range"
	DefectTempInconsistent     = "temp_inconsistent"
	DefectHumidityOutOfRange   = "humidity_out_of_range"
	DefectCloudOutOfRange      = "cloud_cover_out_of_range"
	DefectPrecipNegative       = "precip_negative"
	DefectPrecipExtreme        = "precip_extreme"
	DefectWindSpeedNegative    = "wind_speed_negative"
	DefectWindSpeedUnlikely    = "wind_speed_unlikely"
	DefectPressureOutOfRange   = "pressure_out_of_range"
	DefectSolarNegative        = "solar_negative"
	DefectDewPointInconsistent = "dew_point_inconsistent"
	DefectTimestampMissing     = "timestamp_missing"
	DefectDuplicateTimestamp   = "duplicate_timestamp"
)

// Validation bounds. Generous absolute bands; anything outside is sensor
// garbage rather than weather.
const (
	tempAbsMin     = -30.0
	tempAbsMax     = 55.0
	humidityClamp  = 5.0
	precipExtreme  = 200.0
	windUnlikely   = 250.0
	pressureMin    = 870.0
	pressureMax    = 1085.0
	dewPointMargin = 0.5
)

type defectClass int

const (
	classRetained      defectClass = iota // field kept, minor deduction
	classNulling                          // field removed
	classInconsistency                    // cross-field contradiction
)

var defectClasses = map[string]defectClass{
	DefectTempOutOfRange:       classNulling,
	DefectTempInconsistent:     classInconsistency,
	DefectHumidityOutOfRange:   classNulling,
	DefectCloudOutOfRange:      classNulling,
	DefectPrecipNegative:       classNulling,
	DefectPrecipExtreme:        classRetained,
	DefectWindSpeedNegative:    classNulling,
	DefectWindSpeedUnlikely:    classRetained,
	DefectPressureOutOfRange:   classNulling,
	DefectSolarNegative:        classNulling,
	DefectDewPointInconsistent: classNulling,
	DefectTimestampMissing:     classInconsistency,
	DefectDuplicateTimestamp:   classRetained,
}

// Validate checks one observation against the field rules, nulls offending
// fields and returns the record with its 0-100 quality score and defect list.
// It is pure and idempotent: defects already present on the record are kept,
// and validating an already validated record changes nothing.
func Validate(obs models.Observation) models.Observation {
	defects := make(map[string]bool, len(obs.Defects))
	for _, d := range obs.Defects {
		defects[d] = true
	}

	checkTemp := func(f *sql.NullFloat64) {
		if f.Valid && (math.IsNaN(f.Float64) || math.IsInf(f.Float64, 0) || f.Float64 < tempAbsMin || f.Float64 > tempAbsMax) {
			defects[DefectTempOutOfRange] = true
			*f = sql.NullFloat64{}
		}
	}
	checkTemp(&obs.TempMean)
	checkTemp(&obs.TempMax)
	checkTemp(&obs.TempMin)

	if obs.TempMin.Valid && obs.TempMean.Valid && obs.TempMax.Valid {
		if obs.TempMin.Float64 > obs.TempMean.Float64 || obs.TempMean.Float64 > obs.TempMax.Float64 {
			defects[DefectTempInconsistent] = true
			obs.TempMin = sql.NullFloat64{}
			obs.TempMean = sql.NullFloat64{}
			obs.TempMax = sql.NullFloat64{}
		}
	}

	clampPct := func(f *sql.NullFloat64, defect string) {
		if !f.Valid {
			return
		}
		switch {
		case f.Float64 >= 0 && f.Float64 <= 100:
		case f.Float64 >= -humidityClamp && f.Float64 <= 100+humidityClamp:
			// Small sensor overshoot, clamp silently.
			f.Float64 = math.Max(0, math.Min(100, f.Float64))
		default:
			defects[defect] = true
			*f = sql.NullFloat64{}
		}
	}
	clampPct(&obs.Humidity, DefectHumidityOutOfRange)
	clampPct(&obs.CloudCover, DefectCloudOutOfRange)

	if obs.PrecipMM.Valid {
		if obs.PrecipMM.Float64 < 0 {
			defects[DefectPrecipNegative] = true
			obs.PrecipMM = sql.NullFloat64{}
		} else if obs.PrecipMM.Float64 > precipExtreme {
			// Retained for inspection: extreme but physically possible.
			defects[DefectPrecipExtreme] = true
		}
	}

	if obs.WindSpeed.Valid {
		if obs.WindSpeed.Float64 < 0 {
			defects[DefectWindSpeedNegative] = true
			obs.WindSpeed = sql.NullFloat64{}
		} else if obs.WindSpeed.Float64 > windUnlikely {
			defects[DefectWindSpeedUnlikely] = true
		}
	}

	if obs.WindDir.Valid {
		obs.WindDir.Float64 = math.Mod(obs.WindDir.Float64, 360)
		if obs.WindDir.Float64 < 0 {
			obs.WindDir.Float64 += 360
		}
	}

	if obs.Pressure.Valid && (obs.Pressure.Float64 < pressureMin || obs.Pressure.Float64 > pressureMax) {
		defects[DefectPressureOutOfRange] = true
		obs.Pressure = sql.NullFloat64{}
	}

	if obs.SolarRadiation.Valid && obs.SolarRadiation.Float64 < 0 {
		defects[DefectSolarNegative] = true
		obs.SolarRadiation = sql.NullFloat64{}
	}

	if obs.DewPoint.Valid && obs.TempMean.Valid && obs.DewPoint.Float64 > obs.TempMean.Float64+dewPointMargin {
		defects[DefectDewPointInconsistent] = true
		obs.DewPoint = sql.NullFloat64{}
	}

	if obs.ObservedAt.IsZero() {
		defects[DefectTimestampMissing] = true
	}

	obs.Defects = sortedDefects(defects)
	obs.Quality = Score(obs.Defects)
	return obs
}

// ValidateBatch validates each record and marks duplicate (station, timestamp)
// pairs within the batch; the later duplicate carries the defect.
func ValidateBatch(records []models.Observation) []models.Observation {
	out := make([]models.Observation, len(records))
	seen := make(map[string]bool, len(records))
	for i, obs := range records {
		key := obs.StationID + "|" + obs.ObservedAt.UTC().String()
		if seen[key] {
			obs.Defects = append(obs.Defects, DefectDuplicateTimestamp)
		}
		seen[key] = true
		out[i] = Validate(obs)
	}
	return out
}

// Score computes the quality score for a defect set: start at 100, subtract 5
// per retained defect, 15 per nulling defect, 25 per inconsistency, floor 0.
func Score(defects []string) int {
	score := 100
	for _, d := range defects {
		switch defectClasses[d] {
		case classInconsistency:
			score -= 25
		case classNulling:
			score -= 15
		default:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func sortedDefects(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
