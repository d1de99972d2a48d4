// Package rules evaluates agronomic rules over recent observations and emits
// alerts and recommendations per crop. The rule table runs in a fixed declared
// order and the whole evaluation is deterministic for a given input and
// debounce-rounded clock.
package rules

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agroclima/quillota/internal/config"
	"github.com/agroclima/quillota/internal/metrics"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/store"
)

type Engine struct {
	store     *store.Store
	cfg       config.RulesConfig
	predictor Predictor
}

func NewEngine(st *store.Store, cfg config.RulesConfig) *Engine {
	return &Engine{store: st, cfg: cfg}
}

// SetPredictor wires an optional risk predictor into the pest/disease rules.
func (e *Engine) SetPredictor(p Predictor) {
	e.predictor = p
}

// Evaluation is the output of one pass over a station observation and crop.
type Evaluation struct {
	Alerts          []models.Alert
	Recommendations []models.Recommendation
}

// finding is one matched rule before debouncing.
type finding struct {
	kind     models.AlertKind
	severity models.Severity
	message  string
	rec      *recTemplate
}

type recTemplate struct {
	category models.RecommendationCategory
	text     string
	priority models.Severity
	impact   string
	urgency  string
	cost     string
}

// Evaluate runs the rule table against the latest observation for a station
// and one crop profile. The irrigation decision, when supplied, feeds the
// irrigation-deficit rule. Matched findings are debounced against the alert
// store by correlation key before anything is emitted.
func (e *Engine) Evaluate(ctx context.Context, obs models.Observation, crop models.CropProfile, irrigation *models.IrrigationDecision) (Evaluation, error) {
	findings := e.match(obs, crop, irrigation)

	var eval Evaluation
	recSeen := make(map[string]bool)

	for _, f := range findings {
		alert, err := e.debounce(ctx, obs, f)
		if err != nil {
			return Evaluation{}, err
		}
		if alert != nil {
			eval.Alerts = append(eval.Alerts, *alert)
		}
		if f.rec == nil {
			continue
		}
		dedupKey := string(f.rec.category) + "|" + normalise(f.rec.text)
		if recSeen[dedupKey] {
			continue
		}
		recSeen[dedupKey] = true

		rec := models.Recommendation{
			ID:        uuid.NewString(),
			Timestamp: obs.ObservedAt,
			CropID:    crop.ID,
			Category:  f.rec.category,
			Text:      f.rec.text,
			Priority:  f.rec.priority,
			Impact:    f.rec.impact,
			Urgency:   f.rec.urgency,
			Cost:      f.rec.cost,
		}
		if alert != nil {
			rec.AlertIDs = []string{alert.ID}
		}
		eval.Recommendations = append(eval.Recommendations, rec)
	}

	sort.SliceStable(eval.Alerts, func(i, j int) bool {
		if eval.Alerts[i].Severity != eval.Alerts[j].Severity {
			return eval.Alerts[i].Severity > eval.Alerts[j].Severity
		}
		return eval.Alerts[i].Timestamp.Before(eval.Alerts[j].Timestamp)
	})

	return eval, nil
}

// match runs the declared rule order: frost, heat, heavy rain, strong wind,
// humidity band, pest risk, disease risk, irrigation deficit.
func (e *Engine) match(obs models.Observation, crop models.CropProfile, irrigation *models.IrrigationDecision) []finding {
	var out []finding
	c := e.cfg

	if obs.TempMin.Valid {
		t := obs.TempMin.Float64
		switch {
		case t <= c.FrostCritical:
			out = append(out, finding{
				kind:     models.AlertFrost,
				severity: models.SeverityCritical,
				message:  fmt.Sprintf("Frost alert: minimum temperature %.1f°C at %s", t, obs.StationID),
				rec: &recTemplate{
					category: models.RecProtection,
					text:     fmt.Sprintf("Activate frost protection for %s: irrigation sprinklers or heaters overnight", crop.Name),
					priority: models.SeverityCritical,
					impact:   "high", urgency: "immediate", cost: "medium",
				},
			})
		case t <= c.FrostWarning:
			out = append(out, finding{
				kind:     models.AlertFrost,
				severity: models.SeverityWarning,
				message:  fmt.Sprintf("Frost risk: minimum temperature %.1f°C at %s", t, obs.StationID),
				rec: &recTemplate{
					category: models.RecProtection,
					text:     fmt.Sprintf("Prepare frost protection for %s and monitor overnight temperatures", crop.Name),
					priority: models.SeverityWarning,
					impact:   "medium", urgency: "today", cost: "low",
				},
			})
		}
	}

	if obs.TempMax.Valid {
		t := obs.TempMax.Float64
		switch {
		case t >= c.HeatCritical:
			out = append(out, finding{
				kind:     models.AlertHeat,
				severity: models.SeverityCritical,
				message:  fmt.Sprintf("Extreme heat: maximum temperature %.1f°C at %s", t, obs.StationID),
				rec: &recTemplate{
					category: models.RecIrrigation,
					text:     fmt.Sprintf("Increase irrigation frequency for %s and avoid midday watering", crop.Name),
					priority: models.SeverityCritical,
					impact:   "high", urgency: "immediate", cost: "medium",
				},
			})
		case t >= c.HeatHigh:
			out = append(out, finding{
				kind:     models.AlertHeat,
				severity: models.SeverityHigh,
				message:  fmt.Sprintf("High heat: maximum temperature %.1f°C at %s", t, obs.StationID),
				rec: &recTemplate{
					category: models.RecIrrigation,
					text:     fmt.Sprintf("Schedule additional irrigation for %s during early morning", crop.Name),
					priority: models.SeverityHigh,
					impact:   "medium", urgency: "today", cost: "low",
				},
			})
		}
	}

	if obs.PrecipMM.Valid {
		p := obs.PrecipMM.Float64
		switch {
		case p >= c.RainCritical:
			out = append(out, finding{
				kind:     models.AlertHeavyRain,
				severity: models.SeverityCritical,
				message:  fmt.Sprintf("Torrential rain: %.1f mm at %s", p, obs.StationID),
				rec: &recTemplate{
					category: models.RecProtection,
					text:     "Check drainage channels and suspend all irrigation until soil drains",
					priority: models.SeverityCritical,
					impact:   "high", urgency: "immediate", cost: "low",
				},
			})
		case p >= c.RainHigh:
			out = append(out, finding{
				kind:     models.AlertHeavyRain,
				severity: models.SeverityHigh,
				message:  fmt.Sprintf("Heavy rain: %.1f mm at %s", p, obs.StationID),
				rec: &recTemplate{
					category: models.RecProtection,
					text:     "Check drainage and hold irrigation for the next cycle",
					priority: models.SeverityHigh,
					impact:   "medium", urgency: "today", cost: "low",
				},
			})
		}
	}

	if obs.WindSpeed.Valid {
		w := obs.WindSpeed.Float64
		switch {
		case w >= c.WindHigh:
			out = append(out, finding{
				kind:     models.AlertStrongWind,
				severity: models.SeverityHigh,
				message:  fmt.Sprintf("Strong wind: %.1f km/h at %s", w, obs.StationID),
				rec: &recTemplate{
					category: models.RecProtection,
					text:     fmt.Sprintf("Secure windbreaks and suspend spraying for %s", crop.Name),
					priority: models.SeverityHigh,
					impact:   "medium", urgency: "immediate", cost: "low",
				},
			})
		case w >= c.WindWarning:
			out = append(out, finding{
				kind:     models.AlertStrongWind,
				severity: models.SeverityWarning,
				message:  fmt.Sprintf("Moderate wind: %.1f km/h at %s", w, obs.StationID),
				rec: &recTemplate{
					category: models.RecProtection,
					text:     "Postpone foliar applications until wind decreases",
					priority: models.SeverityWarning,
					impact:   "low", urgency: "today", cost: "low",
				},
			})
		}
	}

	if obs.Humidity.Valid {
		h := obs.Humidity.Float64
		if h < crop.HumidityOptLow-c.HumidityMargin {
			out = append(out, finding{
				kind:     models.AlertLowHumidity,
				severity: models.SeverityWarning,
				message:  fmt.Sprintf("Low humidity for %s: %.0f%% at %s", crop.Name, h, obs.StationID),
				rec: &recTemplate{
					category: models.RecIrrigation,
					text:     fmt.Sprintf("Raise soil moisture for %s towards the %.0f-%.0f%% optimum band", crop.Name, crop.HumidityOptLow, crop.HumidityOptHigh),
					priority: models.SeverityWarning,
					impact:   "medium", urgency: "today", cost: "low",
				},
			})
		} else if h > crop.HumidityOptHigh+c.HumidityMargin {
			out = append(out, finding{
				kind:     models.AlertHighHumidity,
				severity: models.SeverityWarning,
				message:  fmt.Sprintf("High humidity for %s: %.0f%% at %s (disease risk)", crop.Name, h, obs.StationID),
				rec: &recTemplate{
					category: models.RecProtection,
					text:     fmt.Sprintf("Improve ventilation around %s and watch for fungal symptoms", crop.Name),
					priority: models.SeverityWarning,
					impact:   "medium", urgency: "today", cost: "low",
				},
			})
		}
	}

	out = append(out, e.matchRisk(obs, crop)...)

	if irrigation != nil && irrigation.Irrigate && irrigation.Reason == "critical" {
		out = append(out, finding{
			kind:     models.AlertIrrigationDeficit,
			severity: models.SeverityHigh,
			message:  fmt.Sprintf("Irrigation deficit in zone %s: humidity %.0f%% below critical for %s", irrigation.ZoneID, irrigation.Humidity, crop.Name),
			rec: &recTemplate{
				category: models.RecIrrigation,
				text:     fmt.Sprintf("Irrigate zone %s for %.0f minutes now", irrigation.ZoneID, irrigation.Duration.Minutes()),
				priority: models.SeverityHigh,
				impact:   "high", urgency: "immediate", cost: "low",
			},
		})
	}

	return out
}

// matchRisk applies the conjunctive humidity and temperature window
// predicates for pest and disease pressure, refined by the optional
// predictor when one is configured.
func (e *Engine) matchRisk(obs models.Observation, crop models.CropProfile) []finding {
	if !obs.Humidity.Valid || !obs.TempMean.Valid {
		return nil
	}
	h, t := obs.Humidity.Float64, obs.TempMean.Float64

	risk := 0.0
	if e.predictor != nil {
		value, confidence, err := e.predictor.Predict(map[string]float64{
			"humidity": h, "temp_mean": t,
		})
		if err != nil {
			log.Printf("rules: predictor: %v", err)
		} else if confidence >= 0.5 {
			risk = value
		}
	}

	var out []finding

	pestConditions := len(crop.Pests) > 0 &&
		h > crop.HumidityOptHigh &&
		t >= crop.TempOptLow && t <= crop.TempOptHigh+5
	if pestConditions || risk >= 0.8 {
		severity := models.SeverityWarning
		if risk >= 0.8 {
			severity = models.SeverityHigh
		}
		out = append(out, finding{
			kind:     models.AlertPestRisk,
			severity: severity,
			message:  fmt.Sprintf("Pest risk for %s: %.0f%% humidity with %.1f°C at %s", crop.Name, h, t, obs.StationID),
			rec: &recTemplate{
				category: models.RecPest,
				text:     fmt.Sprintf("Scout %s for %s and prepare targeted treatment", crop.Name, strings.Join(crop.Pests, ", ")),
				priority: severity,
				impact:   "medium", urgency: "this week", cost: "medium",
			},
		})
	}

	diseaseConditions := len(crop.Diseases) > 0 &&
		h > crop.HumidityOptHigh+5 &&
		t >= crop.TempOptLow
	if diseaseConditions {
		out = append(out, finding{
			kind:     models.AlertDiseaseRisk,
			severity: models.SeverityWarning,
			message:  fmt.Sprintf("Disease pressure for %s: sustained humidity %.0f%% at %s", crop.Name, h, obs.StationID),
			rec: &recTemplate{
				category: models.RecProtection,
				text:     fmt.Sprintf("Apply preventive treatment against %s on %s", strings.Join(crop.Diseases, ", "), crop.Name),
				priority: models.SeverityWarning,
				impact:   "medium", urgency: "this week", cost: "medium",
			},
		})
	}

	return out
}

// debounce enforces the one-alert-per-correlation-key rule. A matching alert
// in the window, active or already dispatched, swallows the new finding
// unless the new severity is strictly higher, in which case the old alert is
// superseded and the new one emitted.
func (e *Engine) debounce(ctx context.Context, obs models.Observation, f finding) (*models.Alert, error) {
	window := e.cfg.Debounce(f.kind)
	bucket := obs.ObservedAt.UTC().Truncate(window)
	key := fmt.Sprintf("%s|%s|%d", obs.StationID, f.kind, bucket.Unix())

	existing, err := e.store.ActiveAlertForKey(ctx, key, bucket)
	if err != nil {
		return nil, fmt.Errorf("debounce lookup %s: %w", key, err)
	}
	if existing != nil {
		if f.severity <= existing.Severity {
			return nil, nil
		}
		if err := e.store.SetAlertState(ctx, existing.ID, models.AlertStateSuperseded); err != nil {
			return nil, fmt.Errorf("supersede %s: %w", existing.ID, err)
		}
	}

	alert := models.Alert{
		ID:             uuid.NewString(),
		Timestamp:      obs.ObservedAt,
		StationID:      obs.StationID,
		Kind:           f.kind,
		Severity:       f.severity,
		Message:        f.message,
		CorrelationKey: key,
		State:          models.AlertStateActive,
	}
	if err := e.store.InsertAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	metrics.AlertsEmitted.WithLabelValues(string(f.kind), f.severity.String()).Inc()
	return &alert, nil
}

func normalise(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
