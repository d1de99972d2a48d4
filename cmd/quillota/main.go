package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/agroclima/quillota/internal/auth"
	"github.com/agroclima/quillota/internal/config"
	"github.com/agroclima/quillota/internal/econ"
	"github.com/agroclima/quillota/internal/facade"
	"github.com/agroclima/quillota/internal/httputil"
	"github.com/agroclima/quillota/internal/ingest"
	"github.com/agroclima/quillota/internal/irrigation"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/notify"
	"github.com/agroclima/quillota/internal/quality"
	"github.com/agroclima/quillota/internal/registry"
	"github.com/agroclima/quillota/internal/rules"
	"github.com/agroclima/quillota/internal/store"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitPermission = 3
)

type cli struct {
	Config string `help:"Path to the YAML configuration file." default:"config.yaml" env:"QUILLOTA_CONFIG"`

	Serve   serveCmd   `cmd:"" help:"Run the dashboard API and background workers."`
	Ingest  ingestCmd  `cmd:"" help:"Run a one-shot acquisition for a station."`
	Migrate migrateCmd `cmd:"" help:"Initialise or upgrade the database schema."`
	User    userCmd    `cmd:"" help:"Manage user accounts."`
	Seed    seedCmd    `cmd:"" help:"Load demo stations, crops, users and synthetic history."`
}

// app bundles everything the subcommands share.
type app struct {
	cfg   *config.Config
	store *store.Store
	db    interface{ Close() error }
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &configError{err}
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("main: could not load timezone %s, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}

	st := store.New(db, loc)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &app{cfg: cfg, store: st, db: db}, nil
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func defaultCleanStrategy() quality.Strategy {
	return quality.Strategy{
		DropAllNull: true,
		Dedupe:      true,
		Fill: map[string]quality.FillRule{
			quality.FieldTempMean: {Method: quality.FillForward, MaxSteps: 3},
			quality.FieldHumidity: {Method: quality.FillForward, MaxSteps: 3},
			quality.FieldPressure: {Method: quality.FillMean, Window: 5},
			quality.FieldPrecipMM: {Method: quality.FillConstant, Constant: 0},
		},
	}
}

func buildOrchestrator(a *app, reg *registry.Registry) *ingest.Orchestrator {
	remote := ingest.NewRemoteAdapter(a.cfg.Acquisition.ForecastURL)
	synthetic := ingest.NewSyntheticAdapter(reg, a.cfg.Acquisition.SyntheticSeed, time.Duration(a.cfg.Acquisition.CadenceMinutes)*time.Minute)
	return ingest.NewOrchestrator(reg, a.store, remote, synthetic, ingest.OrchestratorConfig{
		Cadence:         time.Duration(a.cfg.Acquisition.CadenceMinutes) * time.Minute,
		CoveragePct:     a.cfg.Acquisition.CoveragePct,
		RequiredQuality: a.cfg.Acquisition.RequiredQuality,
		StationBudget:   a.cfg.Acquisition.StationBudget,
		CleanStrategy:   defaultCleanStrategy(),
	})
}

func buildAuth(ctx context.Context, a *app) (*auth.Service, error) {
	hasher, err := auth.NewHasher(a.cfg.Auth.HashAlgorithm)
	if err != nil {
		return nil, &configError{err}
	}
	svc, err := auth.NewService(a.store, hasher, a.cfg.Auth.SessionTTL, a.cfg.Auth.SessionSeed)
	if err != nil {
		return nil, err
	}
	if err := svc.LoadPermissions(ctx, a.cfg.Permissions); err != nil {
		return nil, err
	}
	return svc, nil
}

func buildChannels(a *app) []notify.Channel {
	var channels []notify.Channel
	client := httputil.NewClient()
	if a.cfg.Channels.Email.Enabled {
		channels = append(channels, notify.NewEmailChannel(a.cfg.Channels.Email))
	}
	if a.cfg.Channels.SMS.Enabled {
		channels = append(channels, notify.NewSMSChannel(a.cfg.Channels.SMS, client))
	}
	if a.cfg.Channels.Chat.Enabled {
		channels = append(channels, notify.NewChatChannel(a.cfg.Channels.Chat, client))
	}
	return channels
}

type serveCmd struct{}

func (c *serveCmd) Run(root *cli) error {
	a, err := openApp(root.Config)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := registry.New(a.cfg.Stations)
	authSvc, err := buildAuth(ctx, a)
	if err != nil {
		return err
	}

	orch := buildOrchestrator(a, reg)
	engine := rules.NewEngine(a.store, a.cfg.Rules)
	planner := irrigation.NewPlanner(0)
	fx := econ.NewFXStore(a.cfg.FXRates.Base, a.cfg.FXRates.Rates)
	projector := econ.NewProjector(fx)

	dispatcher := notify.NewDispatcher(a.store, buildChannels(a),
		a.cfg.Channels.IdempotencyWindow, a.cfg.Channels.ThrottlePerMinute, a.cfg.Channels.QueueSize)
	go dispatcher.Run(ctx)

	scheduler := ingest.NewScheduler(a.store, reg, orch, engine, planner, dispatcher, a.cfg.Crops, a.cfg.Acquisition.CronSpec)
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			log.Printf("main: scheduler: %v", err)
		}
	}()

	f := facade.New(a.store, reg, authSvc, planner, projector, a.cfg.Crops, a.cfg.Acquisition.AllowSynthetic)
	server := facade.NewServer(f, authSvc, a.cfg.ListenPort)

	err = server.Run(ctx)
	dispatcher.Wait()
	return err
}

type ingestCmd struct {
	Station string        `required:"" help:"Station id to acquire."`
	From    time.Time     `format:"2006-01-02" help:"Window start (defaults to 24h ago)."`
	To      time.Time     `format:"2006-01-02" help:"Window end (defaults to now)."`
	Timeout time.Duration `default:"60s" help:"Overall deadline for the run."`
}

func (c *ingestCmd) Run(root *cli) error {
	a, err := openApp(root.Config)
	if err != nil {
		return err
	}
	defer a.close()

	end := c.To
	if end.IsZero() {
		end = time.Now()
	}
	start := c.From
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	reg := registry.New(a.cfg.Stations)
	orch := buildOrchestrator(a, reg)

	records, err := orch.Acquire(ctx, c.Station, start, end)
	if err != nil {
		return err
	}
	log.Printf("main: acquired %d records for %s", len(records), c.Station)
	return nil
}

type migrateCmd struct{}

func (c *migrateCmd) Run(root *cli) error {
	a, err := openApp(root.Config)
	if err != nil {
		return err
	}
	defer a.close()

	version, err := a.store.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("main: schema at version %d", version)
	return nil
}

type userCmd struct {
	Add        userAddCmd        `cmd:"" help:"Create a user account."`
	Deactivate userDeactivateCmd `cmd:"" help:"Deactivate a user account."`
}

type userAddCmd struct {
	Login    string `arg:"" help:"Login name."`
	Email    string `required:"" help:"Contact email."`
	Password string `required:"" help:"Initial password."`
	Role     string `default:"invitado" help:"Role: administrador, agronomo, agricultor or invitado."`
}

func (c *userAddCmd) Run(root *cli) error {
	a, err := openApp(root.Config)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	hasher, err := auth.NewHasher(a.cfg.Auth.HashAlgorithm)
	if err != nil {
		return &configError{err}
	}
	svc, err := auth.NewService(a.store, hasher, a.cfg.Auth.SessionTTL, a.cfg.Auth.SessionSeed)
	if err != nil {
		return err
	}
	user, err := svc.CreateUser(ctx, c.Login, c.Email, c.Password, models.Role(c.Role))
	if err != nil {
		return err
	}
	log.Printf("main: created user %s (%s)", user.Login, user.Role)
	return nil
}

type userDeactivateCmd struct {
	Login string `arg:"" help:"Login name."`
}

func (c *userDeactivateCmd) Run(root *cli) error {
	a, err := openApp(root.Config)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.DeactivateUser(context.Background(), c.Login); err != nil {
		return err
	}
	log.Printf("main: deactivated user %s", c.Login)
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *configError
	if errors.As(err, &ce) {
		return exitConfig
	}
	if auth.IsFailure(err, auth.FailureForbidden) {
		return exitPermission
	}
	return exitFailure
}

func main() {
	var root cli
	parser := kong.Parse(&root,
		kong.Name("quillota"),
		kong.Description("Meteorological and agricultural monitoring for the Quillota valley."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
	)

	err := parser.Run(&root)
	if err != nil {
		log.Printf("main: %v", err)
	}
	os.Exit(exitCode(err))
}
