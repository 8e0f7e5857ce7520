package reliability

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/tool-gateway/internal/toolkey"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps one row per tool holding a boolean array. The append and
// trim happen in a single upsert, so the row lock serializes concurrent writers.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, key toolkey.Key, succeeded bool, window int) error {
	query := `
		INSERT INTO tool_reliability (tool_key, outcomes, updated_at)
		VALUES ($1, ARRAY[$2::boolean], now())
		ON CONFLICT (tool_key) DO UPDATE
		SET outcomes = (tool_reliability.outcomes || $2::boolean)[
				GREATEST(cardinality(tool_reliability.outcomes) + 2 - $3::int, 1):
			],
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, string(key), succeeded, window); err != nil {
		return fmt.Errorf("failed to append tool outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, key toolkey.Key, n int) ([]bool, error) {
	query := `SELECT outcomes FROM tool_reliability WHERE tool_key = $1`

	var outcomes []bool
	err := s.db.QueryRow(ctx, query, string(key)).Scan(&outcomes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load tool outcomes: %w", err)
	}
	return tail(outcomes, n), nil
}
