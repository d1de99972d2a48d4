// Package irrigation decides whether and for how long to irrigate a zone.
// The planner is pure: inputs in, one decision out, no I/O.
package irrigation

import (
	"time"

	"github.com/agroclima/quillota/internal/models"
)

// Decision reason codes.
const (
	ReasonAboveOptimum = "above optimum"
	ReasonCritical     = "critical"
	ReasonBelowOptimum = "below optimum"
	ReasonScheduled    = "scheduled"
	ReasonWithinBand   = "within band"
)

// DefaultCeiling caps any single irrigation run.
const DefaultCeiling = 2 * time.Hour

type Planner struct {
	ceiling time.Duration
}

func NewPlanner(ceiling time.Duration) *Planner {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Planner{ceiling: ceiling}
}

// Plan evaluates one zone against its crop profile. Durations scale with the
// humidity deficit tier and are nudged up to 10% by temperatures outside the
// crop's optimum band, never exceeding the safety ceiling.
func (p *Planner) Plan(zone models.ZoneState, crop models.CropProfile) models.IrrigationDecision {
	decision := models.IrrigationDecision{
		ZoneID:     zone.ZoneID,
		CropID:     crop.ID,
		Humidity:   zone.Humidity,
		TargetLow:  crop.HumidityOptLow,
		TargetHigh: crop.HumidityOptHigh,
	}

	dose := time.Duration(crop.WateringDoseMin) * time.Minute
	cadence := time.Duration(crop.WateringCadence) * 24 * time.Hour

	switch {
	case zone.Humidity >= crop.HumidityOptHigh:
		decision.Reason = ReasonAboveOptimum
	case zone.Humidity < crop.HumidityCritical:
		decision.Irrigate = true
		decision.Duration = p.adjust(time.Duration(float64(dose)*1.5), zone.Temperature, crop)
		decision.Reason = ReasonCritical
	case zone.Humidity < crop.HumidityOptLow:
		decision.Irrigate = true
		decision.Duration = p.adjust(time.Duration(float64(dose)*1.2), zone.Temperature, crop)
		decision.Reason = ReasonBelowOptimum
	case cadence > 0 && zone.SinceLastRun >= cadence:
		decision.Irrigate = true
		decision.Duration = p.adjust(dose, zone.Temperature, crop)
		decision.Reason = ReasonScheduled
	default:
		decision.Reason = ReasonWithinBand
	}

	return decision
}

func (p *Planner) adjust(d time.Duration, temp float64, crop models.CropProfile) time.Duration {
	if temp > crop.TempOptHigh {
		d = time.Duration(float64(d) * 1.10)
	} else if temp < crop.TempOptLow {
		d = time.Duration(float64(d) * 0.90)
	}
	if d > p.ceiling {
		d = p.ceiling
	}
	if d < 0 {
		d = 0
	}
	return d
}
