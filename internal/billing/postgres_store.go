package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogRun(ctx context.Context, log *RunLog) error {
	query := `
		INSERT INTO tool_runs (request_id, subject, user_id, tool_key, plan, status, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.RequestID, log.Subject, log.UserID, log.Tool,
		log.Plan, string(log.Status), log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log run: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, subject string, from, to time.Time) ([]*RunLog, error) {
	query := `
		SELECT id, request_id, subject, user_id, tool_key, plan, status, latency_ms, created_at
		FROM tool_runs
		WHERE subject = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, subject, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool runs: %w", err)
	}
	defer rows.Close()

	var logs []*RunLog
	for rows.Next() {
		var l RunLog
		var status string
		err := rows.Scan(
			&l.ID, &l.RequestID, &l.Subject, &l.UserID, &l.Tool,
			&l.Plan, &status, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool run: %w", err)
		}
		l.Status = RunStatus(status)
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool runs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) CountRuns(ctx context.Context, tool string, from, to time.Time) (int, int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM tool_runs
		WHERE tool_key = $1 AND created_at BETWEEN $2 AND $3
	`
	var completed, failed int
	err := s.db.QueryRow(ctx, query, tool, from, to).Scan(&completed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count tool runs: %w", err)
	}

	return completed, failed, nil
}
