package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

// PostgresStore persists build history in Postgres. Each Record runs in a
// transaction holding a row lock on the job.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS reviewci_history (
    job TEXT PRIMARY KEY,
    last_built JSONB,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS reviewci_history_lanes (
    job TEXT NOT NULL REFERENCES reviewci_history(job) ON DELETE CASCADE,
    lane TEXT NOT NULL,
    record JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (job, lane)
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) Load(ctx context.Context, job string) (BuildHistory, error) {
	return loadHistory(ctx, s.db, job)
}

func (s *PostgresStore) Record(ctx context.Context, job string, rec BuildRecord) (BuildHistory, error) {
	if err := validate(job, rec); err != nil {
		return BuildHistory{}, err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return BuildHistory{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BuildHistory{}, fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO reviewci_history (job, updated_at) VALUES ($1,$2) ON CONFLICT (job) DO NOTHING`, job, rec.RecordedAt); err != nil {
		return BuildHistory{}, fmt.Errorf("insert history row: %w", err)
	}
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT job FROM reviewci_history WHERE job=$1 FOR UPDATE`, job).Scan(&locked); err != nil {
		return BuildHistory{}, fmt.Errorf("lock history row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reviewci_history SET last_built=$1, updated_at=$2 WHERE job=$3`, payload, rec.RecordedAt, job); err != nil {
		return BuildHistory{}, fmt.Errorf("update last built: %w", err)
	}
	if rec.Lane != "" {
		query := `INSERT INTO reviewci_history_lanes (job, lane, record, updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (job, lane) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`
		if _, err := tx.ExecContext(ctx, query, job, string(rec.Lane), payload, rec.RecordedAt); err != nil {
			return BuildHistory{}, fmt.Errorf("update lane %s: %w", rec.Lane, err)
		}
	}

	h, err := loadHistory(ctx, tx, job)
	if err != nil {
		return BuildHistory{}, err
	}
	if err := tx.Commit(); err != nil {
		return BuildHistory{}, fmt.Errorf("commit history tx: %w", err)
	}
	return h, nil
}

func loadHistory(ctx context.Context, q queryer, job string) (BuildHistory, error) {
	h := New(job)

	var last []byte
	err := q.QueryRowContext(ctx, `SELECT last_built FROM reviewci_history WHERE job=$1`, job).Scan(&last)
	if err == sql.ErrNoRows {
		return h, nil
	}
	if err != nil {
		return BuildHistory{}, fmt.Errorf("load history: %w", err)
	}
	if len(last) > 0 {
		var rec BuildRecord
		if err := json.Unmarshal(last, &rec); err != nil {
			return BuildHistory{}, fmt.Errorf("decode last built: %w", err)
		}
		h.LastBuilt = &rec
	}

	rows, err := q.QueryContext(ctx, `SELECT lane, record FROM reviewci_history_lanes WHERE job=$1`, job)
	if err != nil {
		return BuildHistory{}, fmt.Errorf("load lanes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lane string
			raw  []byte
		)
		if err := rows.Scan(&lane, &raw); err != nil {
			return BuildHistory{}, err
		}
		var rec BuildRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return BuildHistory{}, fmt.Errorf("decode lane %s: %w", lane, err)
		}
		h.Lanes[revision.Lane(lane)] = rec
	}
	return h, rows.Err()
}
