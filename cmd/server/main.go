package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Huddle/internal/adapters/http"
	"github.com/dkeye/Huddle/internal/adapters/mediaclient"
	"github.com/dkeye/Huddle/internal/adapters/store"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/media"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	config.ApplyLogLevel(cfg)
	config.Watch(config.File(), config.ApplyLogLevel)

	policy, err := app.PolicyByName(cfg.Backpressure)
	if err != nil {
		return err
	}

	var cleaner media.Cleaner = media.NopCleaner{}
	if cfg.Media.Endpoint != "" {
		cleaner = mediaclient.New(cfg.Media.Endpoint, cfg.Media.Timeout)
		log.Info().Str("endpoint", cfg.Media.Endpoint).Msg("media service configured")
	}

	deps := orch.Deps{
		Media:          cleaner,
		Policy:         policy,
		CleanupTimeout: cfg.CleanupTimeout,
	}
	var history router.MessageLister
	if cfg.DBPath != "" {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Error().Err(err).Msg("close store")
			}
		}()
		deps.Store = st
		history = st
	}
	o := orch.New(deps)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg, o, history),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	// Hijacked websockets outlive srv.Shutdown; drain them before the store closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second+cfg.CleanupTimeout)
	defer cancel()
	if derr := o.Shutdown(drainCtx); derr != nil {
		log.Error().Err(derr).Msg("sessions not drained")
	}
	return err
}
