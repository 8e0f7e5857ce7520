package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) EntitlementStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Plan(ctx context.Context, subject string) (*Entitlement, error) {
	query := `
		SELECT subject, plan, expires_at, created_at
		FROM entitlements
		WHERE subject = $1
	`

	var e Entitlement
	err := s.db.QueryRow(ctx, query, subject).Scan(
		&e.Subject, &e.Plan, &e.ExpiresAt, &e.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	return &e, nil
}

func (s *PostgresStore) Grant(ctx context.Context, e *Entitlement) error {
	if e.Subject == "" {
		return fmt.Errorf("subject is required")
	}

	query := `
		INSERT INTO entitlements (subject, plan, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject) DO UPDATE SET plan = EXCLUDED.plan, expires_at = EXCLUDED.expires_at
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query, e.Subject, e.Plan, e.ExpiresAt).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to grant entitlement: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, subject string) error {
	query := `DELETE FROM entitlements WHERE subject = $1`
	tag, err := s.db.Exec(ctx, query, subject)
	if err != nil {
		return fmt.Errorf("failed to revoke entitlement: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrEntitlementNotFound
	}

	return nil
}
