package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agroclima/quillota/internal/models"
)

// Quillota valley bounding box. Stations outside it are a configuration error.
const (
	BoundsLatMin = -33.2
	BoundsLatMax = -32.6
	BoundsLonMin = -71.5
	BoundsLonMax = -70.9
)

type Config struct {
	Stations []models.Station     `yaml:"stations" validate:"required,min=1,dive"`
	Crops    []models.CropProfile `yaml:"crops" validate:"required,min=1,dive"`

	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Rules       RulesConfig       `yaml:"rules"`
	Channels    ChannelsConfig    `yaml:"channels"`
	FXRates     FXConfig          `yaml:"fx_rates"`
	Auth        AuthConfig        `yaml:"auth"`

	Permissions []models.Permission `yaml:"permissions"`

	ListenPort string `yaml:"listen_port"`
	DBPath     string `yaml:"db_path"`
	Timezone   string `yaml:"timezone"`
	LogLevel   string `yaml:"log_level"`
}

type AcquisitionConfig struct {
	ForecastURL     string        `yaml:"forecast_url"`
	CadenceMinutes  int           `yaml:"cadence_minutes"`
	CoveragePct     float64       `yaml:"coverage_pct"`
	RequiredQuality int           `yaml:"required_quality"`
	StationBudget   time.Duration `yaml:"station_budget"`
	SyntheticSeed   int64         `yaml:"synthetic_seed"`
	AllowSynthetic  bool          `yaml:"allow_synthetic"`
	CronSpec        string        `yaml:"cron_spec"`
}

type RulesConfig struct {
	FrostWarning   float64 `yaml:"frost_warning"`
	FrostCritical  float64 `yaml:"frost_critical"`
	HeatHigh       float64 `yaml:"heat_high"`
	HeatCritical   float64 `yaml:"heat_critical"`
	RainHigh       float64 `yaml:"rain_high"`
	RainCritical   float64 `yaml:"rain_critical"`
	WindWarning    float64 `yaml:"wind_warning"`
	WindHigh       float64 `yaml:"wind_high"`
	HumidityMargin float64 `yaml:"humidity_margin"`

	// Debounce windows per alert kind. Zero entries fall back to Default.
	DebounceDefault time.Duration                      `yaml:"debounce_default"`
	DebounceByKind  map[models.AlertKind]time.Duration `yaml:"debounce_by_kind"`
}

type ChannelsConfig struct {
	Email EmailChannelConfig `yaml:"email"`
	SMS   HTTPChannelConfig  `yaml:"sms"`
	Chat  HTTPChannelConfig  `yaml:"chat"`

	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	ThrottlePerMinute int           `yaml:"throttle_per_minute"`
	QueueSize         int           `yaml:"queue_size"`
}

type EmailChannelConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
	Subject    string   `yaml:"subject_template"`
	Body       string   `yaml:"body_template"`
}

type HTTPChannelConfig struct {
	Enabled    bool     `yaml:"enabled"`
	WebhookURL string   `yaml:"webhook_url"`
	Recipients []string `yaml:"recipients"`
	Template   string   `yaml:"template"`
}

type FXConfig struct {
	Base  string             `yaml:"base"`
	Rates map[string]float64 `yaml:"rates"`
}

type AuthConfig struct {
	HashAlgorithm string        `yaml:"hash_algorithm" validate:"omitempty,oneof=bcrypt argon2id"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SessionSeed   string        `yaml:"session_seed"`
}

// Load reads the YAML configuration, applies environment overrides and
// validates the result. A bad configuration is fatal at startup.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	if env := os.Getenv("QUILLOTA_CONFIG"); env != "" && path == "" {
		path = env
	}
	if path == "" {
		path = "quillota.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	setDerivedDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Acquisition: AcquisitionConfig{
			CadenceMinutes:  60,
			CoveragePct:     90,
			RequiredQuality: 60,
			StationBudget:   15 * time.Second,
			SyntheticSeed:   1,
			CronSpec:        "@every 15m",
		},
		Rules: RulesConfig{
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
		},
		Channels: ChannelsConfig{
			IdempotencyWindow: 15 * time.Minute,
			ThrottlePerMinute: 10,
			QueueSize:         256,
		},
		FXRates: FXConfig{Base: "CLP", Rates: map[string]float64{"CLP": 1}},
		Auth: AuthConfig{
			HashAlgorithm: "bcrypt",
			SessionTTL:    time.Hour,
		},
		ListenPort: "8080",
		DBPath:     "data/quillota.db",
		Timezone:   "America/Santiago",
		LogLevel:   "info",
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QUILLOTA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUILLOTA_FORECAST_URL"); v != "" {
		cfg.Acquisition.ForecastURL = v
	}
	if v := os.Getenv("QUILLOTA_SESSION_SEED"); v != "" {
		cfg.Auth.SessionSeed = v
	}
}

func setDerivedDefaults(cfg *Config) {
	if cfg.FXRates.Base == "" {
		cfg.FXRates.Base = "CLP"
	}
	if cfg.FXRates.Rates == nil {
		cfg.FXRates.Rates = map[string]float64{}
	}
	// The base currency converts at par regardless of what the file says.
	cfg.FXRates.Rates[cfg.FXRates.Base] = 1
}

// Validate checks structural rules the validator tags cannot express:
// station coordinates within the valley, crop bands ordered, FX rates positive.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]bool)
	for _, st := range c.Stations {
		if st.StationID == "" {
			return fmt.Errorf("config: station with empty id")
		}
		if seen[st.StationID] {
			return fmt.Errorf("config: duplicate station id %q", st.StationID)
		}
		seen[st.StationID] = true
		if st.Latitude < BoundsLatMin || st.Latitude > BoundsLatMax ||
			st.Longitude < BoundsLonMin || st.Longitude > BoundsLonMax {
			return fmt.Errorf("config: station %s outside Quillota bounds", st.StationID)
		}
	}

	for _, cr := range c.Crops {
		if cr.HumidityOptLow >= cr.HumidityOptHigh {
			return fmt.Errorf("config: crop %s humidity band inverted", cr.ID)
		}
		if cr.TempOptLow >= cr.TempOptHigh {
			return fmt.Errorf("config: crop %s temperature band inverted", cr.ID)
		}
		if cr.PricePerKg < 0 || cr.YieldKgPerHa < 0 || cr.EstablishCost < 0 ||
			cr.MaintenanceCost < 0 || cr.ProductionCost < 0 {
			return fmt.Errorf("config: crop %s has negative economics", cr.ID)
		}
		if cr.StabilisationYear > cr.ProductiveYears {
			return fmt.Errorf("config: crop %s stabilises after productive life", cr.ID)
		}
	}

	for code, rate := range c.FXRates.Rates {
		if rate <= 0 {
			return fmt.Errorf("config: fx rate %s must be positive", code)
		}
	}

	for _, p := range c.Permissions {
		if p.Action != "read" && p.Action != "write" {
			return fmt.Errorf("config: permission action %q must be read or write", p.Action)
		}
	}

	return nil
}

// Debounce returns the alert debounce window for a kind.
func (r RulesConfig) Debounce(kind models.AlertKind) time.Duration {
	if d, ok := r.DebounceByKind[kind]; ok && d > 0 {
		return d
	}
	if r.DebounceDefault > 0 {
		return r.DebounceDefault
	}
	return time.Hour
}
