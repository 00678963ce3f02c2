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

	router "github.com/guestuser2025NL/meshaudio/internal/adapters/http"
	"github.com/guestuser2025NL/meshaudio/internal/adapters/relay"
	"github.com/guestuser2025NL/meshaudio/internal/app"
	"github.com/guestuser2025NL/meshaudio/internal/config"
	"github.com/guestuser2025NL/meshaudio/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.MaxListeners > 1 {
		log.Warn().Int("max_listeners", cfg.MaxListeners).Msg("multi-listener forwarding is not implemented, enforcing 1")
	}

	met := metrics.New(prometheus.DefaultRegisterer)
	store := app.NewStore(cfg.TokenTTL, cfg.SweepPeriod, met)
	broker := app.NewBroker(met)
	store.OnExpire(broker.SessionExpired)
	monitor := app.NewMonitor(cfg.PingPeriod, met)

	go store.Run(ctx)
	go monitor.Run(ctx)

	ctl := relay.NewController(cfg, broker, store, monitor)
	r := router.SetupRouter(ctx, cfg, store, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay server started")
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
	log.Info().Msg("Server exited gracefully")
}
