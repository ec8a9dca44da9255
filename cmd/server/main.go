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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	router "github.com/dkeye/jamroom/internal/adapters/http"
	"github.com/dkeye/jamroom/internal/adapters/metrics"
	"github.com/dkeye/jamroom/internal/adapters/presence"
	sig "github.com/dkeye/jamroom/internal/adapters/signal"
	"github.com/dkeye/jamroom/internal/app"
	"github.com/dkeye/jamroom/internal/config"
	"github.com/dkeye/jamroom/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var wg conc.WaitGroup

	var mirror core.Presence = core.NopPresence{}
	if cfg.Redis.Addr != "" {
		rm, err := presence.Dial(ctx, cfg.Redis.Addr, cfg.Redis.TTL)
		if err != nil {
			log.Error().Err(err).Msg("presence mirror disabled")
		} else {
			mirror = rm
			wg.Go(func() { rm.Run(ctx) })
		}
	}

	var limiter *sig.RoomRateLimiter
	if cfg.Rate.Limit > 0 {
		limiter = sig.NewRoomRateLimiter(cfg.Rate.Limit, cfg.Rate.Interval)
	}

	hub := sig.NewHub(sig.HubConfig{
		SendBuffer: cfg.Signal.SendBuffer,
		ReadLimit:  cfg.Signal.ReadLimit,
		PingPeriod: cfg.Signal.PingPeriod,
	}, sig.Deps{
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{MaxDrops: cfg.Signal.MaxDrops},
		Limiter:  limiter,
		Presence: mirror,
		Metrics:  metrics.New(promReg),
	})
	wg.Go(func() { hub.Run(ctx) })

	r := router.SetupRouter(ctx, cfg, hub, promReg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("jamroom signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	wg.Wait()
	log.Info().Msg("Server exited gracefully")
}
