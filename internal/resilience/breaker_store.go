// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerRecord is the durable row kept per named external service.
// Records are created lazily on first failure and never deleted; a
// recovered service transitions back to CLOSED.
type BreakerRecord struct {
	Service     string       `json:"service"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"lastFailure"`
	OpensAt     time.Time    `json:"opensAt"`
}

// BreakerStore persists breaker records. Get returns (nil, nil) when no
// record exists yet.
type BreakerStore interface {
	Get(ctx context.Context, service string) (*BreakerRecord, error)
	Put(ctx context.Context, rec *BreakerRecord) error
	List(ctx context.Context) ([]*BreakerRecord, error)
}

// MemoryBreakerStore is the in-memory BreakerStore for tests and
// single-process deployments.
type MemoryBreakerStore struct {
	mu   sync.Mutex
	recs map[string]BreakerRecord
}

func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{recs: make(map[string]BreakerRecord)}
}

func (m *MemoryBreakerStore) Get(ctx context.Context, service string) (*BreakerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[service]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *MemoryBreakerStore) Put(ctx context.Context, rec *BreakerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Service] = *rec
	return nil
}

func (m *MemoryBreakerStore) List(ctx context.Context) ([]*BreakerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*BreakerRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		r := rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// SqliteBreakerStore keeps breaker rows in the shared item database.
type SqliteBreakerStore struct {
	DB *sql.DB
}

func NewSqliteBreakerStore(db *sql.DB) (*SqliteBreakerStore, error) {
	s := &SqliteBreakerStore{DB: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("breaker store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteBreakerStore) migrate() error {
	_, err := s.DB.Exec(`
	CREATE TABLE IF NOT EXISTS circuit_breakers (
		service TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		failures INTEGER NOT NULL,
		last_failure INTEGER,
		opens_at INTEGER
	)`)
	return err
}

func (s *SqliteBreakerStore) Get(ctx context.Context, service string) (*BreakerRecord, error) {
	var rec BreakerRecord
	var state string
	var lastFailure, opensAt sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT service, state, failures, last_failure, opens_at FROM circuit_breakers WHERE service = ?`,
		service).Scan(&rec.Service, &state, &rec.Failures, &lastFailure, &opensAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.State = BreakerState(state)
	if lastFailure.Valid {
		rec.LastFailure = time.UnixMilli(lastFailure.Int64).UTC()
	}
	if opensAt.Valid {
		rec.OpensAt = time.UnixMilli(opensAt.Int64).UTC()
	}
	return &rec, nil
}

func (s *SqliteBreakerStore) Put(ctx context.Context, rec *BreakerRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO circuit_breakers (service, state, failures, last_failure, opens_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			state = excluded.state,
			failures = excluded.failures,
			last_failure = excluded.last_failure,
			opens_at = excluded.opens_at`,
		rec.Service, string(rec.State), rec.Failures,
		unixOrNil(rec.LastFailure), unixOrNil(rec.OpensAt),
	)
	return err
}

func (s *SqliteBreakerStore) List(ctx context.Context) ([]*BreakerRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT service, state, failures, last_failure, opens_at FROM circuit_breakers ORDER BY service`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*BreakerRecord
	for rows.Next() {
		var rec BreakerRecord
		var state string
		var lastFailure, opensAt sql.NullInt64
		if err := rows.Scan(&rec.Service, &state, &rec.Failures, &lastFailure, &opensAt); err != nil {
			return nil, err
		}
		rec.State = BreakerState(state)
		if lastFailure.Valid {
			rec.LastFailure = time.UnixMilli(lastFailure.Int64).UTC()
		}
		if opensAt.Valid {
			rec.OpensAt = time.UnixMilli(opensAt.Int64).UTC()
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
