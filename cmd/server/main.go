package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/adapters/httpapi"
	"github.com/mkrasnov/confbridge/internal/config"
	"github.com/mkrasnov/confbridge/internal/engine/pionrtc"
	"github.com/mkrasnov/confbridge/internal/sfu"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	eng := pionrtc.New(pionrtc.Config{
		PublicIP: cfg.PublicIP,
		MinPort:  cfg.RTCMinPort,
		MaxPort:  cfg.RTCMaxPort,
	})

	mgr := sfu.New(eng, sfu.Config{
		PoolSize:      cfg.PoolSize,
		EngineTimeout: cfg.EngineTimeout,
		EmptyGrace:    cfg.EmptySessionGrace,
	})
	if err := mgr.WarmUp(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker pool warm-up failed, engine unavailable")
	}
	prometheus.MustRegister(sfu.NewMetricsCollector(mgr.Stats()))

	r := httpapi.SetupRouter(ctx, cfg, mgr)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("confbridge server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	mgr.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
