package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/agroclima/quillota/internal/httputil"
	"github.com/agroclima/quillota/internal/metrics"
	"github.com/agroclima/quillota/internal/models"
)

// Responses above this size are rejected rather than read to the end.
const maxResponseBytes = 1 << 20

const remoteRetries = 3

// dailyVariables requested from the forecast provider, in provider naming.
var dailyVariables = []string{
	"temperature_2m_mean",
	"temperature_2m_max",
	"temperature_2m_min",
	"precipitation_sum",
	"relative_humidity_2m_mean",
	"surface_pressure_mean",
	"wind_speed_10m_max",
	"wind_direction_10m_dominant",
	"cloud_cover_mean",
	"shortwave_radiation_sum",
	"dew_point_2m_mean",
}

// RemoteAdapter fetches daily forecasts from an open-meteo style endpoint.
// The payload is a `daily` object of parallel arrays keyed by variable name;
// entries may be null and field order is not assumed.
type RemoteAdapter struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewRemoteAdapter(baseURL string) *RemoteAdapter {
	return &RemoteAdapter{
		baseURL: baseURL,
		client:  httputil.NewClient(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "forecast",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (a *RemoteAdapter) Name() string { return "remote" }

type forecastResponse struct {
	Daily map[string]json.RawMessage `json:"daily"`
}

func (a *RemoteAdapter) Fetch(ctx context.Context, stationID string, start, end time.Time) AdapterResult {
	return a.fetchStation(ctx, stationID, 0, 0, start, end)
}

// FetchStation lets the orchestrator pass station coordinates through; Fetch
// without coordinates exists to satisfy the Adapter contract in tests.
func (a *RemoteAdapter) FetchStation(ctx context.Context, st models.Station, start, end time.Time) AdapterResult {
	return a.fetchStation(ctx, st.StationID, st.Latitude, st.Longitude, start, end)
}

func (a *RemoteAdapter) fetchStation(ctx context.Context, stationID string, lat, lon float64, start, end time.Time) AdapterResult {
	began := time.Now()

	days := int(end.Sub(start).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	if days > 16 {
		days = 16
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("daily", strings.Join(dailyVariables, ","))
	q.Set("timezone", "UTC")
	q.Set("forecast_days", fmt.Sprintf("%d", days))
	reqURL := a.baseURL + "?" + q.Encode()

	var body []byte
	operation := func() error {
		_, err := a.breaker.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			resp, err := a.client.Do(req)
			if err != nil {
				return nil, Transient(fmt.Errorf("fetch forecast: %w", err))
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return nil, Transient(fmt.Errorf("fetch forecast: status %d", resp.StatusCode))
			default:
				// Authoritative rejection; retrying will not help.
				return nil, backoff.Permanent(fmt.Errorf("fetch forecast: status %d", resp.StatusCode))
			}

			limited := io.LimitReader(resp.Body, maxResponseBytes+1)
			body, err = io.ReadAll(limited)
			if err != nil {
				return nil, Transient(fmt.Errorf("read body: %w", err))
			}
			if len(body) > maxResponseBytes {
				return nil, backoff.Permanent(fmt.Errorf("response exceeds %d bytes", maxResponseBytes))
			}
			return nil, nil
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Permanent(Transient(err))
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, remoteRetries), ctx))

	latency := time.Since(began)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.AdapterCallsTotal.WithLabelValues(a.Name(), stationID, status).Inc()
	metrics.AdapterLatency.WithLabelValues(a.Name(), stationID).Observe(latency.Seconds())

	if err != nil {
		return AdapterResult{Err: err, Latency: latency}
	}

	records, err := a.parse(body, stationID)
	if err != nil {
		return AdapterResult{Err: err, Latency: latency}
	}
	if len(records) == 0 {
		return AdapterResult{Err: ErrNoData, Latency: latency}
	}
	return AdapterResult{Records: records, Latency: latency}
}

func (a *RemoteAdapter) parse(body []byte, stationID string) ([]models.Observation, error) {
	var data forecastResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal forecast: %w", err)
	}
	if data.Daily == nil {
		return nil, fmt.Errorf("forecast payload missing daily object")
	}

	var times []string
	if raw, ok := data.Daily["time"]; ok {
		if err := json.Unmarshal(raw, &times); err != nil {
			return nil, fmt.Errorf("parse daily.time: %w", err)
		}
	}

	series := make(map[string][]*float64, len(dailyVariables))
	for _, name := range dailyVariables {
		raw, ok := data.Daily[name]
		if !ok {
			continue
		}
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil {
			// A malformed variable does not sink the whole payload.
			continue
		}
		series[name] = values
	}

	at := func(name string, i int) sql.NullFloat64 {
		values := series[name]
		if i >= len(values) || values[i] == nil {
			return sql.NullFloat64{}
		}
		return sql.NullFloat64{Float64: *values[i], Valid: true}
	}

	var records []models.Observation
	for i, ts := range times {
		observedAt, err := time.Parse("2006-01-02", ts)
		if err != nil {
			if observedAt, err = time.Parse(time.RFC3339, ts); err != nil {
				continue
			}
		}
		records = append(records, models.Observation{
			StationID:      stationID,
			ObservedAt:     observedAt.UTC(),
			TempMean:       at("temperature_2m_mean", i),
			TempMax:        at("temperature_2m_max", i),
			TempMin:        at("temperature_2m_min", i),
			PrecipMM:       at("precipitation_sum", i),
			Humidity:       at("relative_humidity_2m_mean", i),
			Pressure:       at("surface_pressure_mean", i),
			WindSpeed:      at("wind_speed_10m_max", i),
			WindDir:        at("wind_direction_10m_dominant", i),
			CloudCover:     at("cloud_cover_mean", i),
			SolarRadiation: at("shortwave_radiation_sum", i),
			DewPoint:       at("dew_point_2m_mean", i),
			Provenance:     models.ProvenanceRemote,
		})
	}
	return records, nil
}
