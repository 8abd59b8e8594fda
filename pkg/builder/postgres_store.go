package builder

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

// PostgresStore persists builds and console lines to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
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
CREATE TABLE IF NOT EXISTS reviewci_builds (
    id TEXT PRIMARY KEY,
    job TEXT NOT NULL,
    number INTEGER NOT NULL,
    revision TEXT NOT NULL,
    commit_time TIMESTAMPTZ,
    lane TEXT,
    status TEXT NOT NULL,
    result TEXT,
    url TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error TEXT,
    UNIQUE (job, number)
);
CREATE TABLE IF NOT EXISTS reviewci_build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES reviewci_builds(id) ON DELETE CASCADE,
    line TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

// NextNumber returns the number the next build of job should use.
func (s *PostgresStore) NextNumber(job string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(number), 0) + 1 FROM reviewci_builds WHERE job=$1`, job).Scan(&n)
	return n, err
}

func (s *PostgresStore) Create(build Build) error {
	query := `INSERT INTO reviewci_builds (id, job, number, revision, commit_time, lane, status, url, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
    revision = EXCLUDED.revision,
    commit_time = EXCLUDED.commit_time,
    lane = EXCLUDED.lane,
    status = EXCLUDED.status,
    url = EXCLUDED.url,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query,
		build.ID,
		build.Job,
		build.Number,
		build.Revision,
		nullTime(build.CommitTime),
		string(build.Lane),
		build.Status,
		build.URL,
		build.CreatedAt,
		build.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Finish(id string, result Result, finishedAt time.Time, errMsg string) error {
	query := `UPDATE reviewci_builds SET status=$1, result=$2, updated_at=$3, finished_at=$3, error=$4 WHERE id=$5`
	_, err := s.db.Exec(query, StatusFinished, result, finishedAt, errMsg, id)
	return err
}

func (s *PostgresStore) AppendLog(id string, line string) error {
	_, err := s.db.Exec(`INSERT INTO reviewci_build_logs (build_id, line) VALUES ($1,$2)`, id, line)
	return err
}

func (s *PostgresStore) Get(id string) (Build, error) {
	var (
		b          Build
		commitTime sql.NullTime
		lane       sql.NullString
		result     sql.NullString
		url        sql.NullString
		finishedAt sql.NullTime
		errMsg     sql.NullString
	)
	query := `SELECT id, job, number, revision, commit_time, lane, status, result, url, created_at, updated_at, finished_at, error FROM reviewci_builds WHERE id=$1`
	err := s.db.QueryRow(query, id).Scan(&b.ID, &b.Job, &b.Number, &b.Revision, &commitTime, &lane, &b.Status, &result, &url, &b.CreatedAt, &b.UpdatedAt, &finishedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, err
	}
	b.CommitTime = commitTime.Time
	b.Lane = revision.Lane(lane.String)
	b.Result = Result(result.String)
	b.URL = url.String
	b.FinishedAt = finishedAt.Time
	b.Error = errMsg.String
	return b, nil
}

func (s *PostgresStore) ListLogs(id string, limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM reviewci_build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
