package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
	"github.com/hackgods/patient-flow-orchestrator/internal/config"
	"github.com/hackgods/patient-flow-orchestrator/internal/db"
	"github.com/hackgods/patient-flow-orchestrator/internal/logger"
	"github.com/hackgods/patient-flow-orchestrator/internal/metrics"
)

// The sweeper runs standalone when several orchestrator replicas share one
// audit table.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").WithError(err).Fatal("config load error")
	}

	log := logger.New(cfg.LogLevel).WithComponent("retention-sweeper")
	log.WithFields(logrus.Fields{
		"env":               cfg.Env,
		"interval":          cfg.SweepInterval.String(),
		"session_retention": cfg.Retention.Session.String(),
		"audit_retention":   cfg.Retention.Audit.String(),
	}).Info("retention sweeper starting up")

	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.WithError(err).Fatal("postgres connection error")
	}
	defer pool.Close()
	log.Info("connected to Postgres")

	store := audit.NewPgStore(pool, cfg.Retention.Audit)
	if err := store.EnsureSchema(rootCtx); err != nil {
		log.WithError(err).Fatal("audit schema error")
	}

	sweeper := audit.NewSweeper(store,
		audit.Retention{Session: cfg.Retention.Session, Trail: cfg.Retention.Audit},
		metrics.New(prometheus.NewRegistry()),
		log,
	)

	// Run once at startup
	runOnce(rootCtx, sweeper, log)

	if err := sweeper.Run(rootCtx, cfg.SweepInterval); err != nil {
		log.WithError(err).Error("retention sweeper stopped")
		return
	}
	log.Info("shutdown signal received, stopping retention sweeper")
}

func runOnce(ctx context.Context, s *audit.Sweeper, log *logrus.Entry) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := s.RunOnce(runCtx)
	if err != nil {
		log.WithError(err).Error("retention run error")
		return
	}
	log.WithFields(logrus.Fields{"purged": n, "took": time.Since(start).String()}).Info("retention run complete")
}
