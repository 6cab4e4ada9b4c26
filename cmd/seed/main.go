package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/db"
	"github.com/hackgods/patient-flow-orchestrator/internal/logger"
)

func main() {
	log := logger.New(os.Getenv("LOG_LEVEL")).WithComponent("seed")
	log.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, appointment.Schema); err != nil {
		log.WithError(err).Fatal("migrate")
	}

	seed := uint64(getInt("SEED", 42))
	doctors := getInt("SEED_DOCTORS", 10)
	count := getInt("SEED_APPOINTMENTS", 600)

	appts := appointment.Fake(seed, time.Now(), doctors, count)
	if err := insertAppointments(ctx, pool, appts, log); err != nil {
		log.WithError(err).Fatal("seed appointments")
	}

	log.WithFields(logrus.Fields{"appointments": len(appts), "doctors": doctors}).Info("seed complete")
}

func insertAppointments(ctx context.Context, pool *pgxpool.Pool, appts []appointment.Appointment, log *logrus.Entry) error {
	const batchSize = 500

	for offset := 0; offset < len(appts); offset += batchSize {
		end := min(offset+batchSize, len(appts))

		batch := &pgx.Batch{}
		for _, a := range appts[offset:end] {
			batch.Queue(`
				INSERT INTO appointments (id, patient_id, doctor_id, scheduled_time, reason, priority)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO NOTHING
			`, a.ID, a.PatientID, a.DoctorID, a.ScheduledTime, a.Reason, string(a.Priority))
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		log.Infof("appointments seeded: %d/%d", end, len(appts))
	}
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
