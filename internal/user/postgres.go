package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore persists accounts in the users table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, password_hash, role, active, created_at)
		 VALUES ($1, lower($2), $3, $4, $5, now())
		 RETURNING created_at`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.Active,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("user: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.get(ctx,
		`SELECT id, email, password_hash, role, active, failed_logins, locked_until, created_at
		 FROM users WHERE email = lower($1)`, email)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.get(ctx,
		`SELECT id, email, password_hash, role, active, failed_logins, locked_until, created_at
		 FROM users WHERE id = $1`, id)
}

func (s *PostgresStore) RecordLoginFailure(ctx context.Context, id string, maxFailures int, lockFor time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET failed_logins = failed_logins + 1,
		     locked_until = CASE WHEN failed_logins + 1 >= $2 THEN now() + $3 ELSE locked_until END
		 WHERE id = $1`,
		id, maxFailures, lockFor,
	)
	if err != nil {
		return fmt.Errorf("user: record failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetLoginFailures(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET failed_logins = 0, locked_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("user: reset failures: %w", err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Active,
		&u.FailedLogins, &u.LockedUntil, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("user: get: %w", err)
	}
	return &u, nil
}

var _ Store = (*PostgresStore)(nil)
