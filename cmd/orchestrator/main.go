package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/patient-flow-orchestrator/internal/api"
	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
	"github.com/hackgods/patient-flow-orchestrator/internal/checkin"
	"github.com/hackgods/patient-flow-orchestrator/internal/config"
	"github.com/hackgods/patient-flow-orchestrator/internal/db"
	"github.com/hackgods/patient-flow-orchestrator/internal/logger"
	"github.com/hackgods/patient-flow-orchestrator/internal/loyalty"
	"github.com/hackgods/patient-flow-orchestrator/internal/metrics"
	"github.com/hackgods/patient-flow-orchestrator/internal/notify"
	"github.com/hackgods/patient-flow-orchestrator/internal/orchestrator"
	"github.com/hackgods/patient-flow-orchestrator/internal/privacy"
	"github.com/hackgods/patient-flow-orchestrator/internal/queue"
	redisclient "github.com/hackgods/patient-flow-orchestrator/internal/redis"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").WithError(err).Fatal("config load error")
	}

	base := logger.New(cfg.LogLevel)
	log := base.WithComponent("orchestrator")
	log.WithFields(logrus.Fields{"env": cfg.Env, "http_port": cfg.HTTPPort}).Info("orchestrator starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	checks := map[string]api.Check{}
	alarm := audit.NewMonitorAlarm(m, base.WithComponent("audit"))
	retention := audit.Retention{Session: cfg.Retention.Session, Trail: cfg.Retention.Audit}

	var (
		directory  appointment.Directory
		auditStore audit.Store
		purgeStore audit.PurgeStore
		buffered   *audit.BufferedStore
	)

	if cfg.PostgresDSN != "" {
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		if err == nil {
			err = db.Migrate(pgCtx, pool, appointment.Schema, audit.Schema)
		}
		cancelPg()
		if err != nil {
			log.WithError(err).Fatal("postgres setup error")
		}
		defer pool.Close()
		log.Info("connected to Postgres")

		pgStore := audit.NewPgStore(pool, cfg.Retention.Audit)
		buffered = audit.NewBufferedStore(pgStore, 4096, alarm)
		directory = appointment.NewPgDirectory(pool)
		auditStore = buffered
		purgeStore = pgStore
		checks["postgres"] = pingPostgres(pool)
	} else {
		mem := audit.NewMemoryStore(audit.WithTrailRetention(cfg.Retention.Audit))
		fake := appointment.Demo(time.Now())
		directory = appointment.NewMemoryDirectory(fake...)
		auditStore = mem
		purgeStore = mem
		log.WithField("appointments", len(fake)).Warn("POSTGRES_DSN not set, using in-memory directory with generated appointments")
	}

	sink := audit.NewSink(auditStore, retention, audit.WithAlarm(alarm))

	verifierOpts := []checkin.Option{checkin.WithMetrics(m)}
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.WithError(err).Fatal("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.WithError(err).Warn("error closing redis")
			}
		}()
		log.Info("connected to Redis")

		verifierOpts = append(verifierOpts,
			checkin.WithReplayGuard(checkin.NewRedisReplayGuard(rdb)),
			checkin.WithLocker(redisclient.NewRedisLocker(rdb, "checkin", cfg.LockTTL)),
		)
		checks["redis"] = pingRedis(rdb)
	}

	var (
		deliverer notify.Deliverer = notify.NewLogDeliverer(base.WithComponent("notify"))
		fulfiller privacy.Fulfiller = privacy.Unfulfilled{}
	)
	if len(cfg.KafkaBrokers) > 0 {
		kd, err := notify.NewKafkaDeliverer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.WithError(err).Fatal("kafka deliverer setup error")
		}
		defer kd.Close()
		deliverer = kd
		checks["kafka"] = kd.Ping

		kf, err := privacy.NewKafkaForwarder(cfg.KafkaBrokers, cfg.PrivacyTopic)
		if err != nil {
			log.WithError(err).Fatal("kafka forwarder setup error")
		}
		defer kf.Close()
		fulfiller = kf
	}

	scheduler := notify.NewScheduler(deliverer, sink, notify.Config{
		CoalesceWindow: cfg.Notification.CoalesceWindow,
		MaxAttempts:    cfg.Notification.MaxAttempts,
		BackoffBase:    cfg.Notification.BackoffBase,
		Workers:        cfg.Notification.Workers,
	}, notify.WithMetrics(m), notify.WithLogger(base.WithComponent("notify")))

	queues := queue.NewManager(cfg.Queue.DefaultConsultation, sink,
		queue.WithNotifier(scheduler),
		queue.WithMetrics(m),
	)
	verifier := checkin.NewVerifier(directory, queues, sink, cfg.CheckIn.ReplayWindow, verifierOpts...)

	orch := orchestrator.New(orchestrator.Deps{
		Directory:     directory,
		Verifier:      verifier,
		Queue:         queues,
		Notifications: scheduler,
		Audit:         sink,
		Privacy:       privacy.NewService(fulfiller, sink, base.WithComponent("privacy")),
		Points:        loyalty.DefaultTable(),
		ReminderLead:  cfg.Notification.ReminderLeadTime,
		Log:           log,
	})

	// appointments already underway get no reminder
	now := time.Now()
	if n, err := orch.ScheduleReminders(rootCtx, now, now.Add(cfg.Notification.ReminderLeadTime+24*time.Hour)); err != nil {
		log.WithError(err).Error("initial reminder scheduling failed")
	} else {
		log.WithField("reminders", n).Info("reminders scheduled")
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Orchestrator: orch,
			Checks:       checks,
			Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Log:          base.WithComponent("api"),
			Env:          cfg.Env,
			Version:      version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweeper := audit.NewSweeper(purgeStore, retention, m, base.WithComponent("retention"))

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx, cfg.SweepInterval) })
	g.Go(func() error {
		// pick up appointments booked after startup; existing reminders are returned as-is
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-ticker.C:
				if _, err := orch.ScheduleReminders(ctx, t, t.Add(cfg.Notification.ReminderLeadTime+24*time.Hour)); err != nil {
					log.WithError(err).Error("reminder scheduling failed")
				}
			}
		}
	})
	if buffered != nil {
		g.Go(func() error { return buffered.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("orchestrator stopped with error")
		os.Exit(1)
	}
	log.Info("orchestrator shut down")
}

func pingPostgres(pool *pgxpool.Pool) api.Check {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

func pingRedis(rdb *redis.Client) api.Check {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}
