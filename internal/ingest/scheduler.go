package ingest

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agroclima/quillota/internal/irrigation"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/notify"
	"github.com/agroclima/quillota/internal/registry"
	"github.com/agroclima/quillota/internal/rules"
	"github.com/agroclima/quillota/internal/store"
)

// acquireWindow is how far back each scheduled acquisition reaches.
const acquireWindow = 24 * time.Hour

// Scheduler drives the periodic acquisition and evaluation cycle: acquire
// every station, run the rules engine against the freshest observation per
// crop, persist recommendations and hand alerts to the dispatcher.
type Scheduler struct {
	store        *store.Store
	registry     *registry.Registry
	orchestrator *Orchestrator
	engine       *rules.Engine
	planner      *irrigation.Planner
	dispatcher   *notify.Dispatcher
	crops        []models.CropProfile
	cronSpec     string
}

func NewScheduler(st *store.Store, reg *registry.Registry, orch *Orchestrator, engine *rules.Engine, planner *irrigation.Planner, dispatcher *notify.Dispatcher, crops []models.CropProfile, cronSpec string) *Scheduler {
	if cronSpec == "" {
		cronSpec = "@every 30m"
	}
	return &Scheduler{
		store:        st,
		registry:     reg,
		orchestrator: orch,
		engine:       engine,
		planner:      planner,
		dispatcher:   dispatcher,
		crops:        crops,
		cronSpec:     cronSpec,
	}
}

// Run executes one cycle immediately and then follows the cron spec until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Cycle(ctx)

	c := cron.New()
	_, err := c.AddFunc(s.cronSpec, func() { s.Cycle(ctx) })
	if err != nil {
		return err
	}
	c.Start()

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// Cycle acquires all stations over the trailing window and evaluates rules.
func (s *Scheduler) Cycle(ctx context.Context) {
	end := time.Now()
	start := end.Add(-acquireWindow)

	stationIDs := make([]string, 0, s.registry.Len())
	for _, st := range s.registry.List() {
		stationIDs = append(stationIDs, st.StationID)
	}

	log.Printf("scheduler: acquiring %d stations", len(stationIDs))
	results, err := s.orchestrator.AcquireAll(ctx, stationIDs, start, end)
	if err != nil {
		log.Printf("scheduler: acquisition: %v", err)
	}

	for stationID, records := range results {
		if len(records) == 0 {
			continue
		}
		s.evaluateStation(ctx, stationID, records[len(records)-1])
	}
}

func (s *Scheduler) evaluateStation(ctx context.Context, stationID string, obs models.Observation) {
	for _, crop := range s.crops {
		zone := models.ZoneState{ZoneID: stationID, CropID: crop.ID}
		if obs.Humidity.Valid {
			zone.Humidity = obs.Humidity.Float64
		}
		if obs.TempMean.Valid {
			zone.Temperature = obs.TempMean.Float64
		}
		decision := s.planner.Plan(zone, crop)

		eval, err := s.engine.Evaluate(ctx, obs, crop, &decision)
		if err != nil {
			log.Printf("scheduler: evaluate %s/%s: %v", stationID, crop.ID, err)
			continue
		}

		for _, rec := range eval.Recommendations {
			if err := s.store.InsertRecommendation(ctx, rec); err != nil {
				log.Printf("scheduler: store recommendation: %v", err)
			}
		}

		if len(eval.Alerts) > 0 && s.dispatcher != nil {
			if err := s.dispatcher.Enqueue(eval.Alerts...); err != nil {
				log.Printf("scheduler: enqueue alerts %s/%s: %v", stationID, crop.ID, err)
			}
		}
	}
}

// IngestOnce runs a single acquisition for one station, used by the CLI.
func (s *Scheduler) IngestOnce(ctx context.Context, stationID string, start, end time.Time) ([]models.Observation, error) {
	return s.orchestrator.Acquire(ctx, stationID, start, end)
}
