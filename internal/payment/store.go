package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ledger struct {
	Orders []*Order `json:"orders"`
}

// FileStore keeps orders in a single JSON document. It is meant for
// development and single-instance deployments.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (*ledger, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &ledger{Orders: []*Order{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	var l ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return &l, nil
}

func (s *FileStore) save(l *ledger) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create orders dir: %w", err)
	}
	raw, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write orders: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Save(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load()
	if err != nil {
		return err
	}
	cp := *o
	l.Orders = append(l.Orders, &cp)
	return s.save(l)
}

func (s *FileStore) Get(_ context.Context, trackID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, o := range l.Orders {
		if o.TrackID == trackID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (s *FileStore) Update(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range l.Orders {
		if existing.TrackID == o.TrackID {
			if existing.Status != StatusPending {
				return ErrAlreadySettled
			}
			cp := *o
			l.Orders[i] = &cp
			return s.save(l)
		}
	}
	return ErrOrderNotFound
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) OrderStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO orders (track_id, payment_id, plan_name, amount, user_id, ip, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		o.TrackID, o.PaymentID, o.PlanName, o.Amount, o.UserID, o.IP, o.Status, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, trackID string) (*Order, error) {
	query := `
		SELECT track_id, payment_id, plan_name, amount, user_id, ip, status, created_at, verified_at, transaction
		FROM orders
		WHERE track_id = $1
	`
	var o Order
	var tx []byte
	err := s.db.QueryRow(ctx, query, trackID).Scan(
		&o.TrackID, &o.PaymentID, &o.PlanName, &o.Amount, &o.UserID,
		&o.IP, &o.Status, &o.CreatedAt, &o.VerifiedAt, &tx,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.Transaction = tx
	return &o, nil
}

// Update only settles pending orders, so concurrent verifications cannot both win.
func (s *PostgresStore) Update(ctx context.Context, o *Order) error {
	query := `
		UPDATE orders SET status = $2, verified_at = $3, transaction = $4
		WHERE track_id = $1 AND status = 'pending'
	`
	tag, err := s.db.Exec(ctx, query, o.TrackID, o.Status, o.VerifiedAt, []byte(o.Transaction))
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}
