package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jab3/conveyor/pkg/pipeline"
)

// PostgresStore persists pipeline runs and their logs.
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
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    ref TEXT NOT NULL,
    trigger TEXT NOT NULL,
    status TEXT NOT NULL,
    stages JSONB NOT NULL DEFAULT '[]',
    promotion JSONB,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS pipeline_run_logs (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
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

// Upsert writes the full run snapshot, stage results included.
func (s *PostgresStore) Upsert(run pipeline.Run) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	var promotion []byte
	if run.Promotion != nil {
		promotion, err = json.Marshal(run.Promotion)
		if err != nil {
			return fmt.Errorf("marshal promotion: %w", err)
		}
	}
	var finishedAt *time.Time
	if !run.FinishedAt.IsZero() {
		finishedAt = &run.FinishedAt
	}

	query := `INSERT INTO pipeline_runs (id, ref, trigger, status, stages, promotion, error, created_at, updated_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    stages = EXCLUDED.stages,
    promotion = EXCLUDED.promotion,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at,
    finished_at = EXCLUDED.finished_at`
	_, err = s.db.Exec(query,
		run.ID,
		run.Ref,
		string(run.Trigger),
		string(run.Status),
		stages,
		promotion,
		run.Error,
		run.CreatedAt,
		time.Now().UTC(),
		finishedAt,
	)
	return err
}

func (s *PostgresStore) AppendLog(id string, line string) error {
	_, err := s.db.Exec(`INSERT INTO pipeline_run_logs (run_id, line) VALUES ($1,$2)`, id, line)
	return err
}

func (s *PostgresStore) Get(id string) (pipeline.Run, error) {
	query := `SELECT id, ref, trigger, status, stages, promotion, error, created_at, updated_at, finished_at FROM pipeline_runs WHERE id=$1`
	return scanRun(s.db.QueryRow(query, id))
}

func (s *PostgresStore) List() ([]pipeline.Run, error) {
	rows, err := s.db.Query(`SELECT id, ref, trigger, status, stages, promotion, error, created_at, updated_at, finished_at FROM pipeline_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) ListLogs(id string, limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM pipeline_run_logs WHERE run_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (pipeline.Run, error) {
	var (
		run        pipeline.Run
		trigger    string
		status     string
		stages     []byte
		promotion  []byte
		errMsg     sql.NullString
		finishedAt sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Ref, &trigger, &status, &stages, &promotion, &errMsg, &run.CreatedAt, &run.UpdatedAt, &finishedAt); err != nil {
		return pipeline.Run{}, err
	}
	run.Trigger = pipeline.TriggerKind(trigger)
	run.Status = pipeline.RunStatus(status)
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &run.Stages); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if len(promotion) > 0 {
		var promo pipeline.StageResult
		if err := json.Unmarshal(promotion, &promo); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal promotion: %w", err)
		}
		run.Promotion = &promo
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return run, nil
}
