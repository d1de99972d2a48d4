package main

import (
	"context"
	"log"
	"time"

	"github.com/agroclima/quillota/internal/auth"
	"github.com/agroclima/quillota/internal/ingest"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/quality"
	"github.com/agroclima/quillota/internal/registry"
)

// seedCmd loads demo data. It is never run implicitly; synthetic history
// only enters the store through this explicit command.
type seedCmd struct {
	Days     int    `default:"30" help:"Days of synthetic history to generate."`
	Password string `default:"cambiar123" help:"Password assigned to the demo users."`
}

func (c *seedCmd) Run(root *cli) error {
	a, err := openApp(root.Config)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	reg := registry.New(a.cfg.Stations)
	cadence := time.Duration(a.cfg.Acquisition.CadenceMinutes) * time.Minute
	synthetic := ingest.NewSyntheticAdapter(reg, a.cfg.Acquisition.SyntheticSeed, cadence)

	end := time.Now()
	start := end.AddDate(0, 0, -c.Days)

	for _, station := range reg.List() {
		res := synthetic.Fetch(ctx, station.StationID, start, end)
		if res.Err != nil {
			log.Printf("seed: generate %s: %v", station.StationID, res.Err)
			continue
		}
		records := quality.ValidateBatch(res.Records)
		for i := range records {
			if records[i].Quality > ingest.SyntheticQualityCap {
				records[i].Quality = ingest.SyntheticQualityCap
			}
		}
		if err := a.store.Append(ctx, records); err != nil {
			return err
		}
		log.Printf("seed: %s: %d synthetic observations", station.StationID, len(records))
	}

	hasher, err := auth.NewHasher(a.cfg.Auth.HashAlgorithm)
	if err != nil {
		return &configError{err}
	}
	svc, err := auth.NewService(a.store, hasher, a.cfg.Auth.SessionTTL, a.cfg.Auth.SessionSeed)
	if err != nil {
		return err
	}

	demoUsers := []struct {
		login string
		email string
		role  models.Role
	}{
		{"admin", "admin@quillota.example", models.RoleAdmin},
		{"agronomo", "agronomo@quillota.example", models.RoleAgronomist},
		{"agricultor", "agricultor@quillota.example", models.RoleOperator},
		{"invitado", "invitado@quillota.example", models.RoleViewer},
	}
	for _, u := range demoUsers {
		if existing, err := a.store.GetUserByLogin(ctx, u.login); err == nil && existing != nil {
			continue
		}
		if _, err := svc.CreateUser(ctx, u.login, u.email, c.Password, u.role); err != nil {
			log.Printf("seed: create user %s: %v", u.login, err)
			continue
		}
		log.Printf("seed: created demo user %s (%s)", u.login, u.role)
	}

	return nil
}
