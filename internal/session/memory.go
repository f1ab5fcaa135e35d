package session

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger used in tests and single-binary
// development runs. A single mutex spans each operation, which gives
// Rotate the same winner-takes-all behavior as the transactional store.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record)}
}

func (l *MemoryLedger) Create(_ context.Context, subjectID, refreshToken string, expiresAt time.Time, sourceIP, userAgent string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hash := HashToken(refreshToken)
	l.records[hash] = &Record{
		TokenHash: hash,
		SubjectID: subjectID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
	}
	return nil
}

func (l *MemoryLedger) FindByToken(_ context.Context, refreshToken string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[HashToken(refreshToken)]
	if !ok || !rec.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryLedger) Rotate(_ context.Context, oldToken, newToken string, newExpiresAt time.Time, sourceIP, userAgent string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldHash := HashToken(oldToken)
	rec, ok := l.records[oldHash]
	if !ok || !rec.ExpiresAt.After(time.Now()) {
		return ErrNotFound
	}
	delete(l.records, oldHash)

	newHash := HashToken(newToken)
	l.records[newHash] = &Record{
		TokenHash: newHash,
		SubjectID: rec.SubjectID,
		ExpiresAt: newExpiresAt,
		CreatedAt: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
	}
	return nil
}

func (l *MemoryLedger) InvalidateAllForSubject(_ context.Context, subjectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for hash, rec := range l.records {
		if rec.SubjectID == subjectID {
			delete(l.records, hash)
		}
	}
	return nil
}

func (l *MemoryLedger) DeleteByToken(_ context.Context, refreshToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, HashToken(refreshToken))
	return nil
}

func (l *MemoryLedger) DeleteAllForSubject(ctx context.Context, subjectID string) error {
	return l.InvalidateAllForSubject(ctx, subjectID)
}

func (l *MemoryLedger) DeleteExpired(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var removed int64
	for hash, rec := range l.records {
		if !rec.ExpiresAt.After(now) {
			delete(l.records, hash)
			removed++
		}
	}
	return removed, nil
}

func (l *MemoryLedger) CountForSubject(_ context.Context, subjectID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	count := 0
	for _, rec := range l.records {
		if rec.SubjectID == subjectID && rec.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

var _ Ledger = (*MemoryLedger)(nil)
