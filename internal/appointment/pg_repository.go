package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema mirrors the scheduling system's appointments table. The orchestrator
// only reads it; cmd/seed creates it for local development.
const Schema = `
CREATE TABLE IF NOT EXISTS appointments (
	id             TEXT PRIMARY KEY,
	patient_id     TEXT NOT NULL,
	doctor_id      TEXT NOT NULL,
	scheduled_time TIMESTAMPTZ NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	priority       TEXT NOT NULL DEFAULT 'normal'
);
CREATE INDEX IF NOT EXISTS appointments_scheduled_idx ON appointments (scheduled_time);
`

type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var priority string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ScheduledTime,
		&a.Reason,
		&priority,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Priority = ParsePriority(priority)
	return &a, nil
}

// Interface methods

func (r *PgDirectory) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, scheduled_time, reason, priority
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgDirectory) ListBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, doctor_id, scheduled_time, reason, priority
		FROM appointments
		WHERE scheduled_time >= $1
		  AND scheduled_time < $2
		ORDER BY scheduled_time, id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
