package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Count(ctx context.Context, key Key) (int, error) {
	query := `
		SELECT count FROM tool_usage
		WHERE subject = $1 AND tool_key = $2 AND period = $3
	`
	var n int
	err := s.db.QueryRow(ctx, query, key.Subject.String(), string(key.Tool), key.Period).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Increment(ctx context.Context, key Key) (int, error) {
	query := `
		INSERT INTO tool_usage (subject, tool_key, period, count, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (subject, tool_key, period)
		DO UPDATE SET count = tool_usage.count + 1, updated_at = now()
		RETURNING count
	`
	var n int
	err := s.db.QueryRow(ctx, query, key.Subject.String(), string(key.Tool), key.Period).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return n, nil
}
