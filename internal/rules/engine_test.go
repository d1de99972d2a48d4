package rules

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agroclima/quillota/internal/config"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/store"
)

func setupEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db, time.UTC)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewEngine(st, testRulesConfig()), st
}

func testRulesConfig() config.RulesConfig {
	return config.RulesConfig{
		FrostWarning:    5,
		FrostCritical:   2,
		HeatHigh:        35,
		HeatCritical:    40,
		RainHigh:        20,
		RainCritical:    50,
		WindWarning:     25,
		WindHigh:        50,
		HumidityMargin:  10,
		DebounceDefault: time.Hour,
	}
}

func f(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func palto() models.CropProfile {
	return models.CropProfile{
		ID:               "palto",
		Name:             "Palto Hass",
		HumidityOptLow:   50,
		HumidityOptHigh:  70,
		HumidityCritical: 35,
		TempOptLow:       15,
		TempOptHigh:      28,
		Pests:            []string{"arañita roja"},
		Diseases:         []string{"tristeza del palto"},
	}
}

func frostNightObs() models.Observation {
	return models.Observation{
		StationID:  "quillota_centro",
		ObservedAt: time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC),
		TempMean:   f(4.0),
		TempMin:    f(1.0),
		TempMax:    f(9.0),
		Humidity:   f(60.0),
		Provenance: models.ProvenanceRemote,
		Quality:    100,
	}
}

func TestEvaluate_FrostNightCritical(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	eval, err := engine.Evaluate(ctx, frostNightObs(), palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	var frost []models.Alert
	for _, a := range eval.Alerts {
		if a.Kind == models.AlertFrost {
			frost = append(frost, a)
		}
	}
	if len(frost) != 1 {
		t.Fatalf("frost alerts = %d, want exactly 1", len(frost))
	}
	if frost[0].Severity != models.SeverityCritical {
		t.Errorf("Severity = %v, want critical", frost[0].Severity)
	}
	if frost[0].State != models.AlertStateActive {
		t.Errorf("State = %v, want active", frost[0].State)
	}

	var protection *models.Recommendation
	for i, r := range eval.Recommendations {
		if r.Category == models.RecProtection {
			protection = &eval.Recommendations[i]
			break
		}
	}
	if protection == nil {
		t.Fatal("no protection recommendation emitted")
	}
	if !strings.Contains(strings.ToLower(protection.Text), "frost") {
		t.Errorf("protection text %q does not mention frost", protection.Text)
	}
}

func TestEvaluate_HeavyRainDay(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	obs := frostNightObs()
	obs.TempMin = f(12.0)
	obs.TempMean = f(16.0)
	obs.TempMax = f(20.0)
	obs.PrecipMM = f(25.0)

	eval, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	var rain *models.Alert
	for i, a := range eval.Alerts {
		if a.Kind == models.AlertHeavyRain {
			rain = &eval.Alerts[i]
		}
	}
	if rain == nil {
		t.Fatal("no heavy-rain alert emitted")
	}
	if rain.Severity != models.SeverityHigh {
		t.Errorf("Severity = %v, want high", rain.Severity)
	}

	foundDrainage := false
	for _, r := range eval.Recommendations {
		if r.Category == models.RecProtection && strings.Contains(strings.ToLower(r.Text), "drainage") {
			foundDrainage = true
		}
	}
	if !foundDrainage {
		t.Error("no protection recommendation mentioning drainage")
	}
}

func TestEvaluate_AlertOrdering(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	// Frost critical plus moderate wind warning in one observation.
	obs := frostNightObs()
	obs.WindSpeed = f(30.0)

	eval, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Alerts) < 2 {
		t.Fatalf("len(Alerts) = %d, want >= 2", len(eval.Alerts))
	}
	for i := 1; i < len(eval.Alerts); i++ {
		if eval.Alerts[i-1].Severity < eval.Alerts[i].Severity {
			t.Errorf("alerts not ordered by severity desc at %d", i)
		}
	}
}

func TestEvaluate_DebounceSwallowsRepeat(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	obs := frostNightObs()
	first, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(first.Alerts) == 0 {
		t.Fatal("first pass emitted no alerts")
	}

	obs.ObservedAt = obs.ObservedAt.Add(10 * time.Minute)
	second, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate again: %v", err)
	}
	for _, a := range second.Alerts {
		if a.Kind == models.AlertFrost {
			t.Errorf("repeat frost alert emitted inside debounce window: %+v", a)
		}
	}
}

func TestEvaluate_DebounceHoldsAfterDispatch(t *testing.T) {
	engine, st := setupEngine(t)
	ctx := context.Background()

	obs := frostNightObs()
	first, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var frostID string
	for _, a := range first.Alerts {
		if a.Kind == models.AlertFrost {
			frostID = a.ID
		}
	}
	if frostID == "" {
		t.Fatal("no frost alert emitted")
	}

	// Delivery moves the alert on, but the debounce bucket is still taken.
	if err := st.SetAlertState(ctx, frostID, models.AlertStateDispatched); err != nil {
		t.Fatalf("SetAlertState: %v", err)
	}

	obs.ObservedAt = obs.ObservedAt.Add(15 * time.Minute)
	second, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate after dispatch: %v", err)
	}
	for _, a := range second.Alerts {
		if a.Kind == models.AlertFrost {
			t.Errorf("duplicate frost alert emitted after dispatch: %+v", a)
		}
	}

	alerts, err := st.ActiveAlerts(ctx, "quillota_centro", time.Time{})
	if err != nil {
		t.Fatalf("ActiveAlerts: %v", err)
	}
	frostCount := 0
	for _, a := range alerts {
		if a.Kind == models.AlertFrost {
			frostCount++
		}
	}
	if frostCount != 1 {
		t.Errorf("frost alerts on record = %d, want 1", frostCount)
	}
}

func TestEvaluate_DebounceSupersedeOnEscalation(t *testing.T) {
	engine, st := setupEngine(t)
	ctx := context.Background()

	warm := frostNightObs()
	warm.TempMin = f(4.0) // warning tier
	first, err := engine.Evaluate(ctx, warm, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var warningID string
	for _, a := range first.Alerts {
		if a.Kind == models.AlertFrost {
			warningID = a.ID
		}
	}
	if warningID == "" {
		t.Fatal("no frost warning emitted")
	}

	cold := frostNightObs()
	cold.ObservedAt = warm.ObservedAt.Add(10 * time.Minute)
	cold.TempMin = f(0.5) // critical tier, same debounce bucket
	second, err := engine.Evaluate(ctx, cold, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate escalation: %v", err)
	}

	var critical *models.Alert
	for i, a := range second.Alerts {
		if a.Kind == models.AlertFrost {
			critical = &second.Alerts[i]
		}
	}
	if critical == nil {
		t.Fatal("escalated frost alert not emitted")
	}
	if critical.Severity != models.SeverityCritical {
		t.Errorf("Severity = %v, want critical", critical.Severity)
	}

	// Exactly one of the two is active; the warning is superseded.
	active, err := st.ActiveAlertForKey(ctx, critical.CorrelationKey, time.Time{})
	if err != nil {
		t.Fatalf("ActiveAlertForKey: %v", err)
	}
	if active == nil || active.ID != critical.ID {
		t.Fatalf("active alert = %+v, want the escalated one", active)
	}
}

func TestEvaluate_IrrigationDeficit(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	obs := frostNightObs()
	obs.TempMin = f(12.0)
	obs.TempMean = f(18.0)
	obs.TempMax = f(24.0)
	obs.Humidity = f(30.0)

	decision := &models.IrrigationDecision{
		ZoneID:   "quillota_centro",
		CropID:   "palto",
		Humidity: 30,
		Irrigate: true,
		Duration: 60 * time.Minute,
		Reason:   "critical",
	}

	eval, err := engine.Evaluate(ctx, obs, palto(), decision)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	found := false
	for _, a := range eval.Alerts {
		if a.Kind == models.AlertIrrigationDeficit {
			found = true
		}
	}
	if !found {
		t.Error("no irrigation-deficit alert for a critical decision")
	}
}

func TestEvaluate_NoFindingsOnMildDay(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	obs := frostNightObs()
	obs.TempMin = f(12.0)
	obs.TempMean = f(18.0)
	obs.TempMax = f(24.0)
	obs.Humidity = f(60.0)

	eval, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Alerts) != 0 {
		t.Errorf("Alerts = %+v, want none on a mild day", eval.Alerts)
	}
}

type stubPredictor struct {
	value      float64
	confidence float64
}

func (s stubPredictor) Predict(map[string]float64) (float64, float64, error) {
	return s.value, s.confidence, nil
}

func TestEvaluate_PredictorEscalatesPestRisk(t *testing.T) {
	engine, _ := setupEngine(t)
	engine.SetPredictor(stubPredictor{value: 0.9, confidence: 0.9})
	ctx := context.Background()

	// Conditions alone would not trigger the pest rule.
	obs := frostNightObs()
	obs.TempMin = f(12.0)
	obs.TempMean = f(20.0)
	obs.TempMax = f(26.0)
	obs.Humidity = f(55.0)

	eval, err := engine.Evaluate(ctx, obs, palto(), nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	var pest *models.Alert
	for i, a := range eval.Alerts {
		if a.Kind == models.AlertPestRisk {
			pest = &eval.Alerts[i]
		}
	}
	if pest == nil {
		t.Fatal("predictor risk 0.9 did not raise a pest alert")
	}
	if pest.Severity != models.SeverityHigh {
		t.Errorf("Severity = %v, want high for predicted risk", pest.Severity)
	}
}
