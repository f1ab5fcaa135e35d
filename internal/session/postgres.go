package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger persists session records in the sessions table.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger returns a Ledger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Create(ctx context.Context, subjectID, refreshToken string, expiresAt time.Time, sourceIP, userAgent string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, subject_id, expires_at, created_at, source_ip, user_agent)
		 VALUES ($1, $2, $3, now(), $4, $5)`,
		HashToken(refreshToken), subjectID, expiresAt, sourceIP, userAgent,
	)
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

func (l *PostgresLedger) FindByToken(ctx context.Context, refreshToken string) (*Record, error) {
	var rec Record
	err := l.pool.QueryRow(ctx,
		`SELECT token_hash, subject_id, expires_at, created_at, source_ip, user_agent
		 FROM sessions
		 WHERE token_hash = $1 AND expires_at > now()`,
		HashToken(refreshToken),
	).Scan(&rec.TokenHash, &rec.SubjectID, &rec.ExpiresAt, &rec.CreatedAt, &rec.SourceIP, &rec.UserAgent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: find: %w", err)
	}
	return &rec, nil
}

// Rotate performs the delete-then-insert inside one transaction. The
// conditional DELETE is the race guard: the first caller consumes the row
// and the loser's DELETE matches nothing, surfacing ErrNotFound instead of
// a second valid session.
func (l *PostgresLedger) Rotate(ctx context.Context, oldToken, newToken string, newExpiresAt time.Time, sourceIP, userAgent string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: rotate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var subjectID string
	err = tx.QueryRow(ctx,
		`DELETE FROM sessions
		 WHERE token_hash = $1 AND expires_at > now()
		 RETURNING subject_id`,
		HashToken(oldToken),
	).Scan(&subjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("session: rotate delete: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (token_hash, subject_id, expires_at, created_at, source_ip, user_agent)
		 VALUES ($1, $2, $3, now(), $4, $5)`,
		HashToken(newToken), subjectID, newExpiresAt, sourceIP, userAgent,
	)
	if err != nil {
		return fmt.Errorf("session: rotate insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: rotate commit: %w", err)
	}
	return nil
}

func (l *PostgresLedger) InvalidateAllForSubject(ctx context.Context, subjectID string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM sessions WHERE subject_id = $1`, subjectID)
	if err != nil {
		return fmt.Errorf("session: invalidate all: %w", err)
	}
	return nil
}

func (l *PostgresLedger) DeleteByToken(ctx context.Context, refreshToken string) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, HashToken(refreshToken))
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

func (l *PostgresLedger) DeleteAllForSubject(ctx context.Context, subjectID string) error {
	return l.InvalidateAllForSubject(ctx, subjectID)
}

func (l *PostgresLedger) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *PostgresLedger) CountForSubject(ctx context.Context, subjectID string) (int, error) {
	var count int
	err := l.pool.QueryRow(ctx,
		`SELECT count(*) FROM sessions WHERE subject_id = $1 AND expires_at > now()`,
		subjectID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	return count, nil
}

var _ Ledger = (*PostgresLedger)(nil)
