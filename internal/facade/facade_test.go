package facade

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agroclima/quillota/internal/auth"
	"github.com/agroclima/quillota/internal/econ"
	"github.com/agroclima/quillota/internal/irrigation"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/registry"
	"github.com/agroclima/quillota/internal/store"
)

func paltoCrop() models.CropProfile {
	return models.CropProfile{
		ID:                "palto",
		Name:              "Palto Hass",
		HumidityOptLow:    50,
		HumidityOptHigh:   70,
		HumidityCritical:  35,
		TempOptLow:        15,
		TempOptHigh:       28,
		WateringCadence:   3,
		WateringDoseMin:   40,
		PricePerKg:        1500,
		YieldKgPerHa:      9000,
		EstablishCost:     5_000_000,
		MaintenanceCost:   1_000_000,
		ProductionCost:    2_800_000,
		YearsToFirstYield: 3,
		YieldGrowthRate:   0.2,
		StabilisationYear: 6,
	}
}

type facadeFixture struct {
	facade *Facade
	store  *store.Store
	auth   *auth.Service
	users  map[models.Role]*models.User
}

func setupFacade(t *testing.T, allowSynthetic bool) *facadeFixture {
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

	hasher, err := auth.NewHasher("bcrypt")
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	authSvc, err := auth.NewService(st, hasher, time.Hour, "")
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	var perms []models.Permission
	for _, role := range []models.Role{models.RoleAdmin, models.RoleAgronomist} {
		for _, module := range []string{ModuleWeather, ModuleAlerts, ModuleRecommendations, ModuleIrrigation, ModuleEconomics} {
			perms = append(perms, models.Permission{Role: role, Module: module, Action: "read"})
		}
	}
	// Operators work the field, not the books.
	for _, module := range []string{ModuleWeather, ModuleAlerts, ModuleIrrigation} {
		perms = append(perms, models.Permission{Role: models.RoleOperator, Module: module, Action: "read"})
	}
	perms = append(perms, models.Permission{Role: models.RoleViewer, Module: ModuleWeather, Action: "read"})
	if err := authSvc.LoadPermissions(ctx, perms); err != nil {
		t.Fatalf("LoadPermissions: %v", err)
	}

	users := map[models.Role]*models.User{}
	for _, role := range []models.Role{models.RoleAdmin, models.RoleAgronomist, models.RoleOperator, models.RoleViewer} {
		u, err := authSvc.CreateUser(ctx, string(role), string(role)+"@quillota.example", "secreto123", role)
		if err != nil {
			t.Fatalf("CreateUser %s: %v", role, err)
		}
		users[role] = u
	}

	reg := registry.New([]models.Station{{
		StationID: "quillota_centro",
		Name:      "Quillota Centro",
		Latitude:  -32.8834,
		Longitude: -71.2489,
	}})

	fx := econ.NewFXStore("CLP", map[string]float64{"USD": 900})
	f := New(st, reg, authSvc, irrigation.NewPlanner(0), econ.NewProjector(fx),
		[]models.CropProfile{paltoCrop()}, allowSynthetic)
	return &facadeFixture{facade: f, store: st, auth: authSvc, users: users}
}

func (fx *facadeFixture) seedObservation(t *testing.T, ts time.Time, provenance models.Provenance, qualityScore int) {
	t.Helper()
	obs := models.Observation{
		StationID:  "quillota_centro",
		ObservedAt: ts,
		TempMean:   sql.NullFloat64{Float64: 21, Valid: true},
		TempMax:    sql.NullFloat64{Float64: 27, Valid: true},
		TempMin:    sql.NullFloat64{Float64: 14, Valid: true},
		Humidity:   sql.NullFloat64{Float64: 50, Valid: true},
		WindSpeed:  sql.NullFloat64{Float64: 8, Valid: true},
		Provenance: provenance,
		Quality:    qualityScore,
	}
	if err := fx.store.Append(context.Background(), []models.Observation{obs}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestWeatherWindow(t *testing.T) {
	fx := setupFacade(t, false)
	ctx := context.Background()
	agronomist := fx.users[models.RoleAgronomist]

	start := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)
	fx.seedObservation(t, start.Add(time.Hour), models.ProvenanceRemote, 95)

	records, st, _ := fx.facade.WeatherWindow(ctx, agronomist, "quillota_centro", start, start.Add(6*time.Hour))
	if st != StatusOK {
		t.Fatalf("status = %s, want ok", st)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}

	_, st, _ = fx.facade.WeatherWindow(ctx, agronomist, "no_such_station", start, start.Add(time.Hour))
	if st != StatusNotFound {
		t.Errorf("unknown station status = %s, want not_found", st)
	}

	_, st, _ = fx.facade.WeatherWindow(ctx, agronomist, "quillota_centro", start, start)
	if st != StatusBadRequest {
		t.Errorf("empty window status = %s, want bad_request", st)
	}

	_, st, _ = fx.facade.WeatherWindow(ctx, nil, "quillota_centro", start, start.Add(time.Hour))
	if st != StatusForbidden {
		t.Errorf("anonymous status = %s, want forbidden", st)
	}
}

func TestWeatherWindow_SyntheticGating(t *testing.T) {
	start := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)

	fx := setupFacade(t, false)
	fx.seedObservation(t, start.Add(time.Hour), models.ProvenanceSynthetic, 50)

	_, st, msg := fx.facade.WeatherWindow(context.Background(), fx.users[models.RoleAgronomist],
		"quillota_centro", start, start.Add(6*time.Hour))
	if st != StatusUnavailable {
		t.Fatalf("status = %s, want unavailable", st)
	}
	if msg != "data temporarily unavailable" {
		t.Errorf("message = %q", msg)
	}

	// The operator opt-in makes the same window visible.
	optIn := setupFacade(t, true)
	optIn.seedObservation(t, start.Add(time.Hour), models.ProvenanceSynthetic, 50)
	records, st, _ := optIn.facade.WeatherWindow(context.Background(), optIn.users[models.RoleAgronomist],
		"quillota_centro", start, start.Add(6*time.Hour))
	if st != StatusOK || len(records) != 1 {
		t.Errorf("opt-in status = %s records = %d, want ok with 1", st, len(records))
	}
}

func TestCurrentConditions(t *testing.T) {
	fx := setupFacade(t, false)
	ctx := context.Background()
	viewer := fx.users[models.RoleViewer]

	_, st, _ := fx.facade.CurrentConditions(ctx, viewer, "quillota_centro")
	if st != StatusNotFound {
		t.Errorf("empty store status = %s, want not_found", st)
	}

	ts := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	fx.seedObservation(t, ts, models.ProvenanceRemote, 95)

	cond, st, _ := fx.facade.CurrentConditions(ctx, viewer, "quillota_centro")
	if st != StatusOK {
		t.Fatalf("status = %s, want ok", st)
	}
	if !cond.Observation.ObservedAt.Equal(ts) {
		t.Errorf("ObservedAt = %v, want %v", cond.Observation.ObservedAt, ts)
	}
	if cond.ComfortLabel != "agradable" {
		t.Errorf("ComfortLabel = %q, want agradable", cond.ComfortLabel)
	}

	// A later synthetic record takes over as latest and is gated.
	fx.seedObservation(t, ts.Add(time.Hour), models.ProvenanceSynthetic, 50)
	_, st, _ = fx.facade.CurrentConditions(ctx, viewer, "quillota_centro")
	if st != StatusUnavailable {
		t.Errorf("synthetic latest status = %s, want unavailable", st)
	}
}

func TestCurrentConditions_StaleData(t *testing.T) {
	fx := setupFacade(t, false)
	ctx := context.Background()
	viewer := fx.users[models.RoleViewer]

	// The only reading predates the freshness window.
	fx.seedObservation(t, time.Now().UTC().Add(-72*time.Hour), models.ProvenanceRemote, 95)

	_, st, _ := fx.facade.CurrentConditions(ctx, viewer, "quillota_centro")
	if st != StatusNotFound {
		t.Errorf("stale data status = %s, want not_found", st)
	}

	// A fresh reading supersedes the stale one.
	fresh := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	fx.seedObservation(t, fresh, models.ProvenanceRemote, 95)
	cond, st, _ := fx.facade.CurrentConditions(ctx, viewer, "quillota_centro")
	if st != StatusOK {
		t.Fatalf("fresh data status = %s, want ok", st)
	}
	if !cond.Observation.ObservedAt.Equal(fresh) {
		t.Errorf("ObservedAt = %v, want %v", cond.Observation.ObservedAt, fresh)
	}
}

func TestActiveAlerts_Permissions(t *testing.T) {
	fx := setupFacade(t, false)
	ctx := context.Background()

	_, st, _ := fx.facade.ActiveAlerts(ctx, fx.users[models.RoleOperator], "", time.Time{})
	if st != StatusOK {
		t.Errorf("operator status = %s, want ok", st)
	}

	// Viewers only hold the weather permission.
	_, st, _ = fx.facade.ActiveAlerts(ctx, fx.users[models.RoleViewer], "", time.Time{})
	if st != StatusForbidden {
		t.Errorf("viewer status = %s, want forbidden", st)
	}

	_, st, _ = fx.facade.ActiveAlerts(ctx, fx.users[models.RoleOperator], "no_such_station", time.Time{})
	if st != StatusNotFound {
		t.Errorf("unknown station status = %s, want not_found", st)
	}
}

func TestLatestRecommendations_UnknownCrop(t *testing.T) {
	fx := setupFacade(t, false)
	_, st, _ := fx.facade.LatestRecommendations(context.Background(), fx.users[models.RoleAgronomist], "mango", 10)
	if st != StatusNotFound {
		t.Errorf("status = %s, want not_found", st)
	}
}

func TestIrrigationPlan_FillsFromLatestObservation(t *testing.T) {
	fx := setupFacade(t, false)
	ctx := context.Background()
	operator := fx.users[models.RoleOperator]

	// Latest reading: humidity 50, right at the optimum floor; four days since
	// the last run exceeds the palto cadence.
	fx.seedObservation(t, time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC), models.ProvenanceRemote, 95)

	zone := models.ZoneState{ZoneID: "quillota_centro", CropID: "palto", SinceLastRun: 96 * time.Hour}
	decision, st, _ := fx.facade.IrrigationPlan(ctx, operator, zone, "palto", true)
	if st != StatusOK {
		t.Fatalf("status = %s, want ok", st)
	}
	if decision.Humidity != 50 {
		t.Errorf("Humidity = %v, want 50 (filled from latest observation)", decision.Humidity)
	}
	if !decision.Irrigate {
		t.Errorf("Irrigate = false, want true (%s)", decision.Reason)
	}

	_, st, _ = fx.facade.IrrigationPlan(ctx, operator, zone, "mango", true)
	if st != StatusNotFound {
		t.Errorf("unknown crop status = %s, want not_found", st)
	}
}

func TestIrrigationPlan_ExplicitZeroNotOverwritten(t *testing.T) {
	fx := setupFacade(t, false)
	ctx := context.Background()
	operator := fx.users[models.RoleOperator]

	// A comfortable station reading that would mask the measured drought.
	fx.seedObservation(t, time.Now().UTC().Add(-time.Hour), models.ProvenanceRemote, 95)

	zone := models.ZoneState{
		ZoneID:       "quillota_centro",
		CropID:       "palto",
		Humidity:     0, // measured bone dry
		Temperature:  22,
		SinceLastRun: 96 * time.Hour,
	}
	decision, st, _ := fx.facade.IrrigationPlan(ctx, operator, zone, "palto", false)
	if st != StatusOK {
		t.Fatalf("status = %s, want ok", st)
	}
	if decision.Humidity != 0 {
		t.Errorf("Humidity = %v, want 0 (explicit reading must survive)", decision.Humidity)
	}
	if !decision.Irrigate {
		t.Errorf("Irrigate = false, want true at zero humidity (%s)", decision.Reason)
	}
}

func TestEconomicProjection(t *testing.T) {
	fx := setupFacade(t, false)
	ctx := context.Background()

	proj, st, _ := fx.facade.EconomicProjection(ctx, fx.users[models.RoleAgronomist], "palto", 5, 10, 0.08, []string{"USD"})
	if st != StatusOK {
		t.Fatalf("status = %s, want ok", st)
	}
	if proj.CropID != "palto" || len(proj.Cashflows) != 10 {
		t.Errorf("projection = %+v", proj)
	}

	// Field operators have no business with the financials.
	_, st, _ = fx.facade.EconomicProjection(ctx, fx.users[models.RoleOperator], "palto", 5, 10, 0.08, nil)
	if st != StatusForbidden {
		t.Errorf("operator status = %s, want forbidden", st)
	}

	_, st, msg := fx.facade.EconomicProjection(ctx, fx.users[models.RoleAgronomist], "palto", 0, 10, 0.08, nil)
	if st != StatusBadRequest {
		t.Errorf("zero area status = %s (%s), want bad_request", st, msg)
	}

	_, st, _ = fx.facade.EconomicProjection(ctx, fx.users[models.RoleAgronomist], "mango", 5, 10, 0.08, nil)
	if st != StatusNotFound {
		t.Errorf("unknown crop status = %s, want not_found", st)
	}
}

func TestComfortIndex(t *testing.T) {
	obs := func(temp, humidity, wind float64) models.Observation {
		return models.Observation{
			TempMean:  sql.NullFloat64{Float64: temp, Valid: true},
			Humidity:  sql.NullFloat64{Float64: humidity, Valid: true},
			WindSpeed: sql.NullFloat64{Float64: wind, Valid: true},
		}
	}

	tests := []struct {
		name      string
		obs       models.Observation
		wantIdx   float64
		wantLabel string
	}{
		{"ideal day", obs(21, 50, 5), 100, "agradable"},
		{"warm and dry", obs(30, 30, 5), 63, "moderado"},
		{"hot windy", obs(36, 20, 30), 24, "extremo"},
		{"cold", obs(4, 80, 20), 26, "incomodo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, label := ComfortIndex(tt.obs)
			if idx != tt.wantIdx {
				t.Errorf("index = %v, want %v", idx, tt.wantIdx)
			}
			if label != tt.wantLabel {
				t.Errorf("label = %q, want %q", label, tt.wantLabel)
			}
		})
	}
}
