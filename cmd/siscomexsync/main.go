package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/config"
	"github.com/N1XSS/controle-siscomex-test/internal/discovery"
	"github.com/N1XSS/controle-siscomex-test/internal/duefetch"
	"github.com/N1XSS/controle-siscomex-test/internal/opsapi"
	"github.com/N1XSS/controle-siscomex-test/internal/orchestrator"
	"github.com/N1XSS/controle-siscomex-test/internal/rategate"
	"github.com/N1XSS/controle-siscomex-test/internal/refresh"
	"github.com/N1XSS/controle-siscomex-test/internal/siscomex"
	"github.com/N1XSS/controle-siscomex-test/internal/store"
	"github.com/N1XSS/controle-siscomex-test/internal/tokenauth"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "controle-siscomex").Logger()

	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authority, err := tokenauth.New(tokenauth.Config{
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		TokenURL:        cfg.TokenURL,
		MinAuthInterval: cfg.AuthInterval,
		DefaultValidity: cfg.TokenValidity,
		SafetyMargin:    cfg.TokenSafetyMargin,
		CachePath:       cfg.TokenCachePath,
	}, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct token authority")
	}

	gate := rategate.New(cfg.SafeRequestLimit, nil)
	client := siscomex.New(cfg.BaseURL, gate, authority, siscomex.WithLocation(cfg.Location))

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	cache, err := store.NewLinkCache(ctx, st)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load link cache")
	}
	log.Info().Int("links", cache.Len()).Msg("link cache loaded")

	fetcher := duefetch.New(client, duefetch.Flags{
		BondedSuspension:   cfg.FetchBondedSuspension,
		BondedExemption:    cfg.FetchBondedExemption,
		FiscalRequirements: cfg.FetchFiscalRequirements,
	})

	o := &orchestrator.Orchestrator{
		Store: st,
		Discovery: &discovery.Pipeline{
			Store:   st,
			Cache:   cache,
			Fetcher: fetcher,
			Workers: cfg.Workers,
		},
		Refresh: &refresh.Pipeline{
			Store:   st,
			Fetcher: fetcher,
			Workers: cfg.Workers,
			Partitions: refresh.Partitions{
				Pending:   cfg.SituationPartitions["pending"],
				Settled:   cfg.SituationPartitions["settled"],
				Cancelled: cfg.SituationPartitions["cancelled"],
			},
			Staleness: time.Duration(cfg.StalenessHours) * time.Hour,
		},
		MaxDiscoveryPerRun: cfg.MaxDiscoveryPerRun,
		MaxRefreshPerRun:   cfg.MaxRefreshPerRun,
	}

	if cfg.OpsAddr != "" {
		go func() {
			if err := opsapi.ListenAndServe(ctx, cfg.OpsAddr, &opsapi.Server{Store: st, Gate: gate}); err != nil {
				log.Error().Err(err).Msg("ops HTTP surface stopped")
			}
		}()
	}

	command := env("SISCOMEX_COMMAND", "full")
	args := os.Args[1:]
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	code := o.Run(ctx, os.Stdout, command, args)
	if cfg.OpsAddr != "" {
		// The command itself is one-shot; when an ops surface is configured
		// the process stays up for operators to probe until signaled.
		<-ctx.Done()
	}
	os.Exit(code)
}
