package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/regbot/internal/command"
	"github.com/stemsi/regbot/internal/config"
	"github.com/stemsi/regbot/internal/engine"
	"github.com/stemsi/regbot/internal/handler"
	"github.com/stemsi/regbot/internal/logger"
	"github.com/stemsi/regbot/internal/router"
	"github.com/stemsi/regbot/internal/scheduler"
	"github.com/stemsi/regbot/internal/store"
	"github.com/stemsi/regbot/internal/telegram"
	"github.com/stemsi/regbot/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log := logger.Setup("info", "pretty")
		log.Fatal().Err(err).Msg("Bad environment configuration")
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("data_file", cfg.DataFile).
		Str("timezone", cfg.Timezone.String()).
		Int("dev_admins", len(cfg.DevUserIDs)).
		Msg("Starting registration queue bot")

	if cfg.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN is not set")
	}

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	// ─── Load Course Configuration ─────────────────────────────────────
	courses, err := config.LoadStore(cfg.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load course configuration")
	}

	// ─── Open Queue Store ──────────────────────────────────────────────
	files, err := store.Open(cfg.DataFile, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open queue store")
	}
	defer files.Close()

	state, err := files.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load queue data")
	}

	// ─── Wire Engine, Scheduler, Dispatcher ────────────────────────────
	eng := engine.New(courses, files, state, cfg.DevUserIDs, cfg.Timezone, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(eng, cfg.Timezone, log)
	sched.Start(ctx, courses.AllCourses())

	dispatcher := command.NewDispatcher(eng, sched, cfg.Timezone, log)

	// ─── Start Telegram Transport ──────────────────────────────────────
	transport, err := telegram.New(cfg.BotToken, dispatcher, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Telegram")
	}
	go transport.Start(ctx)

	// ─── Start Ops API ─────────────────────────────────────────────────
	var srv *http.Server
	if cfg.OpsPort != "" {
		r := router.SetupRouter(handler.NewStatusHandler(eng), cfg)
		srv = &http.Server{
			Addr:    ":" + cfg.OpsPort,
			Handler: r,
		}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("Ops API listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("Ops API error")
			}
		}()
	}

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop polling and scheduled triggers.
	cancel()

	// 2. Stop accepting new HTTP requests (5s timeout).
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ops API shutdown error")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
