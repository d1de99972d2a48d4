package models

import (
	"database/sql"
	"time"
)

// Provenance records where an observation came from. It is carried on every
// record so consumers always know whether they are looking at measured,
// forecast-derived or generated data.
type Provenance string

const (
	ProvenanceLocal     Provenance = "local"
	ProvenanceRemote    Provenance = "remote"
	ProvenanceSynthetic Provenance = "synthetic"
)

// MicroClimate holds per-station tuning constants used by the synthetic
// generator to approximate a station's local conditions.
type MicroClimate struct {
	BaseTemp     float64 `yaml:"base_temp"`
	HumidityBase float64 `yaml:"humidity_base"`
	PrecipFactor float64 `yaml:"precip_factor"`
	WindBase     float64 `yaml:"wind_base"`
}

type Station struct {
	StationID string       `yaml:"id"`
	Name      string       `yaml:"name"`
	Latitude  float64      `yaml:"latitude"`
	Longitude float64      `yaml:"longitude"`
	Elevation float64      `yaml:"elevation"`
	Climate   MicroClimate `yaml:"climate"`
	Tags      []string     `yaml:"tags"`
}

// Observation is one weather record for one station at one timestamp.
// Absent measurements are invalid Null values, never zeroes.
type Observation struct {
	StationID      string
	ObservedAt     time.Time
	TempMean       sql.NullFloat64
	TempMax        sql.NullFloat64
	TempMin        sql.NullFloat64
	PrecipMM       sql.NullFloat64
	Humidity       sql.NullFloat64
	Pressure       sql.NullFloat64
	WindSpeed      sql.NullFloat64
	WindDir        sql.NullFloat64
	CloudCover     sql.NullFloat64
	SolarRadiation sql.NullFloat64
	DewPoint       sql.NullFloat64
	Provenance     Provenance
	Quality        int
	Defects        []string
	CreatedAt      time.Time
}

// CropProfile is the immutable agronomic and economic description of one crop.
type CropProfile struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	HumidityOptLow    float64  `yaml:"humidity_opt_low"`
	HumidityOptHigh   float64  `yaml:"humidity_opt_high"`
	HumidityCritical  float64  `yaml:"humidity_critical"`
	TempOptLow        float64  `yaml:"temp_opt_low"`
	TempOptHigh       float64  `yaml:"temp_opt_high"`
	WateringCadence   int      `yaml:"watering_cadence_days"`
	WateringDoseMin   int      `yaml:"watering_dose_minutes"`
	RootDepthCM       float64  `yaml:"root_depth_cm"`
	CropCoefficient   float64  `yaml:"crop_coefficient"`
	Pests             []string `yaml:"pests"`
	Diseases          []string `yaml:"diseases"`
	PricePerKg        float64  `yaml:"price_per_kg"`
	YieldKgPerHa      float64  `yaml:"yield_kg_per_ha"`
	EstablishCost     float64  `yaml:"establish_cost_per_ha"`
	MaintenanceCost   float64  `yaml:"maintenance_cost_per_ha"`
	ProductionCost    float64  `yaml:"production_cost_per_ha"`
	ProductiveYears   int      `yaml:"productive_years"`
	YearsToFirstYield int      `yaml:"years_to_first_yield"`
	YieldGrowthRate   float64  `yaml:"yield_growth_rate"`
	StabilisationYear int      `yaml:"stabilisation_year"`
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "informational"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

type AlertKind string

const (
	AlertFrost             AlertKind = "frost"
	AlertHeat              AlertKind = "heat"
	AlertHeavyRain         AlertKind = "heavy-rain"
	AlertStrongWind        AlertKind = "strong-wind"
	AlertLowHumidity       AlertKind = "low-humidity"
	AlertHighHumidity      AlertKind = "high-humidity"
	AlertPestRisk          AlertKind = "pest-risk"
	AlertDiseaseRisk       AlertKind = "disease-risk"
	AlertIrrigationDeficit AlertKind = "irrigation-deficit"
)

// AlertState is the lifecycle state of an alert from creation to archive.
type AlertState string

const (
	AlertStateActive     AlertState = "active"
	AlertStateSuperseded AlertState = "superseded"
	AlertStateDispatched AlertState = "dispatched"
	AlertStateArchived   AlertState = "archived"
)

type Alert struct {
	ID             string
	Timestamp      time.Time
	StationID      string
	Kind           AlertKind
	Severity       Severity
	Message        string
	CorrelationKey string
	State          AlertState
	CreatedAt      time.Time
}

type RecommendationCategory string

const (
	RecIrrigation    RecommendationCategory = "irrigation"
	RecProtection    RecommendationCategory = "protection"
	RecFertilisation RecommendationCategory = "fertilisation"
	RecPest          RecommendationCategory = "pest"
	RecHarvest       RecommendationCategory = "harvest"
)

type Recommendation struct {
	ID        string
	Timestamp time.Time
	CropID    string
	Category  RecommendationCategory
	Text      string
	Priority  Severity
	Impact    string
	Urgency   string
	Cost      string
	AlertIDs  []string
}

// ZoneState is the latest sensor-equivalent reading for one irrigation zone.
type ZoneState struct {
	ZoneID       string
	CropID       string
	Humidity     float64
	Temperature  float64
	SinceLastRun time.Duration
}

type IrrigationDecision struct {
	ZoneID     string
	CropID     string
	Humidity   float64
	TargetLow  float64
	TargetHigh float64
	Irrigate   bool
	Duration   time.Duration
	Reason     string
}

// Projection is the economic outlook for one crop over a horizon.
// NPV maps currency code to value; the base currency has rate 1.
type Projection struct {
	CropID       string
	AreaHa       float64
	HorizonYears int
	Cashflows    []float64
	ROIPct       float64
	NPV          map[string]float64
	IRRPct       float64
	IRRConverged bool
	PaybackYears float64
}

type Role string

const (
	RoleAdmin      Role = "administrador"
	RoleAgronomist Role = "agronomo"
	RoleOperator   Role = "agricultor"
	RoleViewer     Role = "invitado"
)

type User struct {
	ID           int64
	Login        string
	Email        string
	PasswordHash string
	Role         Role
	Active       bool
	LastLogin    sql.NullTime
	CreatedAt    time.Time
}

type Session struct {
	ID        string
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
	Active    bool
	IP        string
	UserAgent string
}

// Permission grants a role an action on a module. Anything not present in the
// permission table is denied.
type Permission struct {
	Role   Role   `yaml:"role"`
	Module string `yaml:"module"`
	Action string `yaml:"action"`
}
