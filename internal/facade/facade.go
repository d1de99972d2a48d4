// Package facade is the read-only query surface behind the dashboard. Every
// query takes the authenticated user and checks the permission matrix before
// touching data; nothing here writes.
package facade

import (
	"context"
	"log"
	"time"

	"github.com/agroclima/quillota/internal/auth"
	"github.com/agroclima/quillota/internal/econ"
	"github.com/agroclima/quillota/internal/irrigation"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/registry"
	"github.com/agroclima/quillota/internal/store"
)

// Status categorises a query result for the presentation layer.
type Status string

const (
	StatusOK          Status = "ok"
	StatusNotFound    Status = "not_found"
	StatusForbidden   Status = "forbidden"
	StatusUnavailable Status = "unavailable"
	StatusBadRequest  Status = "bad_request"
)

// Module tags for authorisation checks.
const (
	ModuleWeather         = "weather"
	ModuleAlerts          = "alerts"
	ModuleRecommendations = "recommendations"
	ModuleIrrigation      = "irrigation"
	ModuleEconomics       = "economics"
)

const unavailableMessage = "data temporarily unavailable"

// Observations older than this do not qualify as current conditions.
const conditionsFreshness = 48 * time.Hour

// Facade bundles the read paths of every subsystem.
type Facade struct {
	store     *store.Store
	registry  *registry.Registry
	auth      *auth.Service
	planner   *irrigation.Planner
	projector *econ.Projector
	crops     map[string]models.CropProfile

	// allowSynthetic is the operator opt-in; without it synthetic-backed
	// readings collapse into an unavailable result.
	allowSynthetic bool
}

func New(st *store.Store, reg *registry.Registry, authSvc *auth.Service, planner *irrigation.Planner, projector *econ.Projector, crops []models.CropProfile, allowSynthetic bool) *Facade {
	byID := make(map[string]models.CropProfile, len(crops))
	for _, c := range crops {
		byID[c.ID] = c
	}
	return &Facade{
		store:          st,
		registry:       reg,
		auth:           authSvc,
		planner:        planner,
		projector:      projector,
		crops:          byID,
		allowSynthetic: allowSynthetic,
	}
}

// Crop resolves a configured crop profile.
func (f *Facade) Crop(id string) (models.CropProfile, bool) {
	c, ok := f.crops[id]
	return c, ok
}

// WeatherWindow returns the ordered observations for a station over a window.
func (f *Facade) WeatherWindow(ctx context.Context, user *models.User, stationID string, start, end time.Time) ([]models.Observation, Status, string) {
	if !f.auth.Authorise(user, ModuleWeather, "read") {
		return nil, StatusForbidden, "forbidden"
	}
	if !f.registry.Has(stationID) {
		return nil, StatusNotFound, "unknown station"
	}
	if !end.After(start) {
		return nil, StatusBadRequest, "window end must be after start"
	}

	records, err := f.store.Range(ctx, stationID, start, end)
	if err != nil {
		log.Printf("facade: weather window %s: %v", stationID, err)
		return nil, StatusUnavailable, unavailableMessage
	}
	if f.allowSynthetic {
		return records, StatusOK, ""
	}

	kept := records[:0]
	sawSynthetic := false
	for _, o := range records {
		if o.Provenance == models.ProvenanceSynthetic {
			sawSynthetic = true
			continue
		}
		kept = append(kept, o)
	}
	if len(kept) == 0 && sawSynthetic {
		return nil, StatusUnavailable, unavailableMessage
	}
	return kept, StatusOK, ""
}

// Conditions is the latest observation enriched with the derived comfort
// index.
type Conditions struct {
	Observation  models.Observation
	ComfortIndex float64
	ComfortLabel string
}

// CurrentConditions returns the newest observation for a station, provided
// it falls inside the freshness window. Stale stations report not_found
// rather than serving readings that are days old as "current".
func (f *Facade) CurrentConditions(ctx context.Context, user *models.User, stationID string) (*Conditions, Status, string) {
	if !f.auth.Authorise(user, ModuleWeather, "read") {
		return nil, StatusForbidden, "forbidden"
	}
	if !f.registry.Has(stationID) {
		return nil, StatusNotFound, "unknown station"
	}

	recent, err := f.store.Latest(ctx, stationID, conditionsFreshness)
	if err != nil {
		log.Printf("facade: current conditions %s: %v", stationID, err)
		return nil, StatusUnavailable, unavailableMessage
	}
	if len(recent) == 0 {
		return nil, StatusNotFound, "no recent observations for station"
	}
	obs := recent[len(recent)-1]
	if obs.Provenance == models.ProvenanceSynthetic && !f.allowSynthetic {
		return nil, StatusUnavailable, unavailableMessage
	}

	idx, label := ComfortIndex(obs)
	return &Conditions{Observation: obs, ComfortIndex: idx, ComfortLabel: label}, StatusOK, ""
}

// ActiveAlerts lists alerts ordered by severity descending then time
// ascending. stationID and since are optional filters.
func (f *Facade) ActiveAlerts(ctx context.Context, user *models.User, stationID string, since time.Time) ([]models.Alert, Status, string) {
	if !f.auth.Authorise(user, ModuleAlerts, "read") {
		return nil, StatusForbidden, "forbidden"
	}
	if stationID != "" && !f.registry.Has(stationID) {
		return nil, StatusNotFound, "unknown station"
	}
	alerts, err := f.store.ActiveAlerts(ctx, stationID, since)
	if err != nil {
		log.Printf("facade: active alerts: %v", err)
		return nil, StatusUnavailable, unavailableMessage
	}
	return alerts, StatusOK, ""
}

// LatestRecommendations returns recent advisories, optionally per crop.
func (f *Facade) LatestRecommendations(ctx context.Context, user *models.User, cropID string, limit int) ([]models.Recommendation, Status, string) {
	if !f.auth.Authorise(user, ModuleRecommendations, "read") {
		return nil, StatusForbidden, "forbidden"
	}
	if cropID != "" {
		if _, ok := f.crops[cropID]; !ok {
			return nil, StatusNotFound, "unknown crop"
		}
	}
	recs, err := f.store.LatestRecommendations(ctx, cropID, limit)
	if err != nil {
		log.Printf("facade: recommendations: %v", err)
		return nil, StatusUnavailable, unavailableMessage
	}
	return recs, StatusOK, ""
}

// IrrigationPlan evaluates the planner for one zone and crop. With
// fillFromStation set the zone readings are taken from the station's latest
// observation; callers set it when the request carried no readings of its
// own, so an explicit zero is never mistaken for a missing value.
func (f *Facade) IrrigationPlan(ctx context.Context, user *models.User, zone models.ZoneState, cropID string, fillFromStation bool) (*models.IrrigationDecision, Status, string) {
	if !f.auth.Authorise(user, ModuleIrrigation, "read") {
		return nil, StatusForbidden, "forbidden"
	}
	crop, ok := f.crops[cropID]
	if !ok {
		return nil, StatusNotFound, "unknown crop"
	}

	if fillFromStation && f.registry.Has(zone.ZoneID) {
		obs, err := f.store.LatestOne(ctx, zone.ZoneID)
		if err == nil && obs != nil {
			if obs.Provenance == models.ProvenanceSynthetic && !f.allowSynthetic {
				return nil, StatusUnavailable, unavailableMessage
			}
			if obs.Humidity.Valid {
				zone.Humidity = obs.Humidity.Float64
			}
			if obs.TempMean.Valid {
				zone.Temperature = obs.TempMean.Float64
			}
		}
	}

	decision := f.planner.Plan(zone, crop)
	return &decision, StatusOK, ""
}

// EconomicProjection builds the multi-year outlook for a crop.
func (f *Facade) EconomicProjection(ctx context.Context, user *models.User, cropID string, areaHa float64, horizonYears int, discountRate float64, currencies []string) (*models.Projection, Status, string) {
	if !f.auth.Authorise(user, ModuleEconomics, "read") {
		return nil, StatusForbidden, "forbidden"
	}
	crop, ok := f.crops[cropID]
	if !ok {
		return nil, StatusNotFound, "unknown crop"
	}
	proj, err := f.projector.Project(crop, areaHa, horizonYears, discountRate, currencies)
	if err != nil {
		return nil, StatusBadRequest, err.Error()
	}
	return &proj, StatusOK, ""
}
