package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the append-only audit table. There is no UPDATE path.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	action      TEXT NOT NULL,
	category    TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	session_key TEXT NOT NULL DEFAULT '',
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS audit_log_category_idx ON audit_log (category, recorded_at);
`

type PgStore struct {
	pool  *pgxpool.Pool
	trail time.Duration
	now   func() time.Time
}

// NewPgStore returns a store whose Delete refuses trail rows younger than
// trailRetention.
func NewPgStore(pool *pgxpool.Pool, trailRetention time.Duration) *PgStore {
	return &PgStore{pool: pool, trail: trailRetention, now: time.Now}
}

func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (s *PgStore) Append(ctx context.Context, e Entry) error {
	meta := e.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (recorded_at, action, category, session_id, session_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Timestamp, e.Action, string(e.Category), e.SessionID, e.SessionKey, data)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns the category's entries recorded before the cutoff, oldest
// first. A limit of 0 means no limit.
func (s *PgStore) List(ctx context.Context, category Category, before time.Time, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, recorded_at, action, category, session_id, session_key, metadata
		FROM audit_log
		WHERE category = $1 AND recorded_at < $2
		ORDER BY id
		LIMIT NULLIF($3::int, 0)
	`, string(category), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PgStore) Delete(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM audit_log
		WHERE id = ANY($1) AND (category <> $2 OR recorded_at < $3)
	`, ids, string(CategoryTrail), s.now().Add(-s.trail))
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e        Entry
		category string
		raw      []byte
		ts       time.Time
	)
	if err := row.Scan(&e.ID, &ts, &e.Action, &category, &e.SessionID, &e.SessionKey, &raw); err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Timestamp = ts.UTC()
	e.Category = Category(category)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return &e, nil
}
