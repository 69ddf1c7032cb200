// lineserver runs the line-trace CAPTCHA service: challenge issuance, the
// peek oracle and the verification engine behind a small HTTP surface.
//
// Startup sequence:
//  1. Initialise the logger, then load configuration (JSON file or
//     defaults) and layer environment overrides on top.
//  2. Initialise metrics.
//  3. Open the challenge store (Postgres if DatabaseURL is set, otherwise
//     in-memory) and derive the token signer from the configured secret.
//  4. Start the worker pool and the TTL-expiry scheduler.
//  5. Serve the HTTP API until a termination signal arrives, then shut
//     down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linecaptcha/lineserver/config"
	"github.com/linecaptcha/lineserver/httpapi"
	"github.com/linecaptcha/lineserver/logger"
	"github.com/linecaptcha/lineserver/metrics"
	"github.com/linecaptcha/lineserver/scheduler"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/token"
	"github.com/linecaptcha/lineserver/worker"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────
	log := logger.New(logger.LevelInfo)
	log.Info("lineserver starting up")

	// ── Configuration ──────────────────────────────────────────────────────
	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			os.Exit(1)
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}

	cfg, err := config.FromEnv(cfg)
	if err != nil {
		log.Errorf("environment override failed: %v", err)
		os.Exit(1)
	}

	if cfg.Environment == "production" {
		log.SetLevel(logger.LevelInfo)
	} else {
		log.SetLevel(logger.LevelDebug)
	}

	// ── Metrics ────────────────────────────────────────────────────────────
	m := metrics.NewMetrics()

	// ── Store ──────────────────────────────────────────────────────────────
	var db store.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Errorf("failed to open Postgres store: %v", err)
			os.Exit(1)
		}
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pg.Migrate(migrateCtx); err != nil {
			migrateCancel()
			log.Errorf("failed to migrate Postgres schema: %v", err)
			os.Exit(1)
		}
		migrateCancel()
		db = pg
		log.Info("using Postgres-backed challenge store")
	} else {
		db = store.NewMemoryStore()
		log.Info("using in-memory challenge store")
	}

	// ── Token signer ───────────────────────────────────────────────────────
	signer, err := token.NewSigner(cfg.Secret)
	if err != nil {
		log.Errorf("failed to initialise token signer: %v", err)
		os.Exit(1)
	}

	// ── HTTP server ────────────────────────────────────────────────────────
	srv := httpapi.New(cfg, db, signer, m, log)

	// ── Worker pool ────────────────────────────────────────────────────────
	wp := worker.NewWorkerPool(4)
	wp.Start()
	log.Info("worker pool started")

	// ── Scheduler ──────────────────────────────────────────────────────────
	sc := scheduler.NewScheduler(db, wp, log, time.Minute)
	sc.Start()
	log.Info("expiry scheduler started")

	go func() {
		log.Infof("HTTP server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server error: %v", err)
		}
	}()

	// ── Metrics monitor ────────────────────────────────────────────────────
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			issued, peeksServed, peeksRejected, passed, failed := m.Snapshot()
			log.Infof("metrics – issued: %d | peeks: %d served / %d rejected | verifies: %d passed / %d failed | challenges/s: %.1f",
				issued, peeksServed, peeksRejected, passed, failed, m.ChallengesPerSecond())
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println() // newline after ^C
	log.Infof("received signal %s; shutting down", sig)

	sc.Stop()
	wp.Stop()

	if err := db.Close(); err != nil {
		log.Errorf("error closing store: %v", err)
	}

	issued, peeksServed, peeksRejected, passed, failed := m.Snapshot()
	log.Infof("final metrics – issued: %d | peeks: %d served / %d rejected | verifies: %d passed / %d failed",
		issued, peeksServed, peeksRejected, passed, failed)
	log.Info("lineserver shut down cleanly")
}
