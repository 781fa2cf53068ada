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
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Ring/internal/adapters/http"
	"github.com/dkeye/Ring/internal/adapters/rtc"
	"github.com/dkeye/Ring/internal/adapters/store/memory"
	"github.com/dkeye/Ring/internal/adapters/store/sqlite"
	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/app/orch"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)
	cfg.OnChange(func(next *config.Config) {
		zerolog.SetGlobalLevel(next.Level())
		log.Info().Str("level", next.Level().String()).Msg("log level reloaded")
	})

	iceServers, err := rtc.ICEServers(cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("ice servers: %w", err)
	}
	policy, err := app.PolicyByName(cfg.SlowConsumer)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	recorder := app.NewRecorder(store, cfg.Store.Workers, cfg.Store.Queue, cfg.Store.Timeout, m)

	d := orch.NewDispatcher(app.NewRegistry(m), app.NewRoomRelay(m))
	d.Recorder = recorder
	d.Policy = policy
	d.Limiter = app.NewRateLimiter(cfg.CallRateLimit, cfg.CallRateInterval)
	d.Metrics = m
	d.ICEServers = iceServers
	d.Calls.History = recorder
	d.Calls.Metrics = m
	d.Calls.RingTimeout = cfg.RingTimeout

	r := router.SetupRouter(ctx, cfg, d, m)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Ring server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		var errs error
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		d.Calls.Close()
		errs = multierr.Append(errs, recorder.Close())
		return errs
	})
	return g.Wait()
}

func setupLogger(cfg *config.Config) {
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(cfg.Level())
}

func openStore(cfg config.StoreConfig) (core.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.Open(cfg.DSN)
	default:
		return memory.New()
	}
}
