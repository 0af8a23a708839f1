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

	"github.com/dstrelka/huddle/internal/adapters/engine"
	"github.com/dstrelka/huddle/internal/adapters/engine/mockengine"
	"github.com/dstrelka/huddle/internal/adapters/events"
	router "github.com/dstrelka/huddle/internal/adapters/http"
	"github.com/dstrelka/huddle/internal/app"
	"github.com/dstrelka/huddle/internal/config"
	"github.com/dstrelka/huddle/internal/core"
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

	var mediaEngine core.Engine
	switch cfg.Media.Engine {
	case "mock":
		mediaEngine = mockengine.New()
		log.Warn().Msg("running with the mock media engine, no media will flow")
	default:
		mediaEngine = engine.New(cfg.Media.StunURLs)
	}

	var opts []core.Option
	if cfg.Events.AMQPURL != "" {
		publisher, err := events.Dial(cfg.Events.AMQPURL)
		if err != nil {
			// The event mirror is optional; the server is fully
			// functional without it.
			log.Error().Err(err).Msg("event mirror disabled")
		} else {
			defer publisher.Close()
			opts = append(opts, core.WithEventSink(publisher))
		}
	}

	rooms := core.NewRoomManager(mediaEngine, opts...)
	prometheus.MustRegister(app.NewRoomStatsCollector(rooms))

	r := router.SetupRouter(ctx, cfg, rooms)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Huddle server started")
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
	rooms.Shutdown()
	if err := mediaEngine.Close(); err != nil {
		log.Error().Err(err).Msg("media engine close")
	}
	log.Info().Msg("Server exited gracefully")
}
