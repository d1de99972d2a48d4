package ingest

import (
	"context"
	"database/sql"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/registry"
)

// SyntheticQualityCap is the highest quality score a generated record may
// carry. Synthetic data is a last resort and must never outrank real data.
const SyntheticQualityCap = 50

// SyntheticAdapter generates plausible observations when no real source is
// available. Output is deterministic for a given (station, timestamp, seed):
// a seasonal and diurnal sine drives temperature, precipitation is a sparse
// Poisson-like process, wind follows a Gamma-like distribution and humidity
// is inversely coupled to temperature.
type SyntheticAdapter struct {
	registry *registry.Registry
	seed     int64
	cadence  time.Duration
}

func NewSyntheticAdapter(reg *registry.Registry, seed int64, cadence time.Duration) *SyntheticAdapter {
	if cadence <= 0 {
		cadence = time.Hour
	}
	return &SyntheticAdapter{registry: reg, seed: seed, cadence: cadence}
}

func (a *SyntheticAdapter) Name() string { return "synthetic" }

func (a *SyntheticAdapter) Fetch(ctx context.Context, stationID string, start, end time.Time) AdapterResult {
	began := time.Now()
	station, err := a.registry.Get(stationID)
	if err != nil {
		return AdapterResult{Err: err, Latency: time.Since(began)}
	}

	var records []models.Observation
	for ts := start.UTC().Truncate(a.cadence); !ts.After(end.UTC()); ts = ts.Add(a.cadence) {
		records = append(records, a.Generate(station, ts))
	}
	if len(records) == 0 {
		return AdapterResult{Err: ErrNoData, Latency: time.Since(began)}
	}
	return AdapterResult{Records: records, Latency: time.Since(began)}
}

// Generate produces the synthetic observation for one station and timestamp.
func (a *SyntheticAdapter) Generate(station models.Station, ts time.Time) models.Observation {
	rnd := rand.New(rand.NewSource(a.recordSeed(station.StationID, ts)))

	c := station.Climate
	baseTemp := c.BaseTemp
	if baseTemp == 0 {
		baseTemp = 15
	}
	humidityBase := c.HumidityBase
	if humidityBase == 0 {
		humidityBase = 70
	}
	windBase := c.WindBase
	if windBase == 0 {
		windBase = 8
	}
	precipFactor := c.PrecipFactor
	if precipFactor == 0 {
		precipFactor = 1
	}

	// Southern-hemisphere seasonal cycle peaking in mid January, plus a
	// diurnal cycle peaking mid afternoon.
	dayOfYear := float64(ts.YearDay())
	seasonal := 7 * math.Cos(2*math.Pi*(dayOfYear-15)/365)
	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	diurnal := 5 * math.Sin(2*math.Pi*(hour-9)/24)
	noise := rnd.NormFloat64() * 1.2

	tempMean := baseTemp + seasonal + diurnal + noise
	tempMax := tempMean + 3 + rnd.Float64()*2
	tempMin := tempMean - 3 - rnd.Float64()*2

	// Sparse precipitation: most slots are dry.
	precip := 0.0
	if rnd.Float64() < 0.12*precipFactor {
		precip = rnd.ExpFloat64() * 4 * precipFactor
	}

	// Gamma-like wind as a sum of exponentials.
	wind := windBase * (rnd.ExpFloat64() + rnd.ExpFloat64()) / 2

	// Humidity drops as temperature climbs above the station base.
	humidity := humidityBase - 1.8*(tempMean-baseTemp) + rnd.NormFloat64()*4
	humidity = math.Max(5, math.Min(100, humidity))

	dewPoint := tempMean - (100-humidity)/5
	cloud := math.Max(0, math.Min(100, 40+rnd.NormFloat64()*25))
	solar := math.Max(0, 600*math.Sin(2*math.Pi*(hour-6)/24)*(1-cloud/150))

	return models.Observation{
		StationID:      station.StationID,
		ObservedAt:     ts,
		TempMean:       sql.NullFloat64{Float64: round1(tempMean), Valid: true},
		TempMax:        sql.NullFloat64{Float64: round1(tempMax), Valid: true},
		TempMin:        sql.NullFloat64{Float64: round1(tempMin), Valid: true},
		PrecipMM:       sql.NullFloat64{Float64: round1(precip), Valid: true},
		Humidity:       sql.NullFloat64{Float64: round1(humidity), Valid: true},
		Pressure:       sql.NullFloat64{Float64: round1(1013 + rnd.NormFloat64()*6), Valid: true},
		WindSpeed:      sql.NullFloat64{Float64: round1(wind), Valid: true},
		WindDir:        sql.NullFloat64{Float64: math.Floor(rnd.Float64() * 360), Valid: true},
		CloudCover:     sql.NullFloat64{Float64: round1(cloud), Valid: true},
		SolarRadiation: sql.NullFloat64{Float64: round1(solar), Valid: true},
		DewPoint:       sql.NullFloat64{Float64: round1(dewPoint), Valid: true},
		Provenance:     models.ProvenanceSynthetic,
		Quality:        SyntheticQualityCap,
	}
}

func (a *SyntheticAdapter) recordSeed(stationID string, ts time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(stationID))
	var buf [8]byte
	unix := ts.UTC().Unix()
	for i := 0; i < 8; i++ {
		buf[i] = byte(unix >> (8 * i))
	}
	h.Write(buf[:])
	return a.seed ^ int64(h.Sum64())
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
