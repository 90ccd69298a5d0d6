// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fetcharr/fetcharr/internal/persistence/sqlite"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

const itemSchemaVersion = 1

// casRetries bounds optimistic-concurrency retries before giving up.
const casRetries = 64

// SqliteStore is the durable Repository. The full item is stored as a
// JSON document; status, retry timestamps and request id are mirrored
// into indexed columns for the scheduler queries. Concurrent updates are
// serialized per item by a version compare-and-set.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (or creates) the item database at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("item store: migration failed: %w", err)
	}
	return s, nil
}

// NewSqliteStoreWithDB wraps an existing handle (shared with the breaker
// store) and runs migrations.
func NewSqliteStoreWithDB(db *sql.DB) (*SqliteStore, error) {
	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("item store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= itemSchemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS processing_items (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		status TEXT NOT NULL,
		next_retry_at INTEGER,
		skip_until INTEGER,
		discovered_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_status ON processing_items(status);
	CREATE INDEX IF NOT EXISTS idx_items_request ON processing_items(request_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", itemSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Close() error { return s.DB.Close() }

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *SqliteStore) insert(ctx context.Context, tx *sql.Tx, item *model.ProcessingItem) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", item.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_items (id, request_id, status, next_retry_at, skip_until, discovered_at, version, doc)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		item.ID, item.RequestID, string(item.Status),
		nullableUnix(item.NextRetryAt), nullableUnix(item.SkipUntil),
		item.DiscoveredAt.UnixMilli(), string(doc),
	)
	return err
}

func (s *SqliteStore) Create(ctx context.Context, item *model.ProcessingItem) error {
	return s.CreateMany(ctx, []*model.ProcessingItem{item})
}

func (s *SqliteStore) CreateMany(ctx context.Context, items []*model.ProcessingItem) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, item := range items {
		if err := s.insert(ctx, tx, item); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) FindByID(ctx context.Context, id string) (*model.ProcessingItem, error) {
	item, _, err := s.load(ctx, id)
	return item, err
}

func (s *SqliteStore) load(ctx context.Context, id string) (*model.ProcessingItem, int64, error) {
	var doc string
	var version int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT doc, version FROM processing_items WHERE id = ?`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("item %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var item model.ProcessingItem
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return nil, 0, fmt.Errorf("unmarshal item %s: %w", id, err)
	}
	return &item, version, nil
}

func (s *SqliteStore) queryItems(ctx context.Context, query string, args ...any) ([]*model.ProcessingItem, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ProcessingItem
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var item model.ProcessingItem
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return nil, fmt.Errorf("unmarshal item: %w", err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *SqliteStore) FindByStatus(ctx context.Context, status model.Status) ([]*model.ProcessingItem, error) {
	return s.queryItems(ctx,
		`SELECT doc FROM processing_items WHERE status = ? ORDER BY discovered_at, id`,
		string(status))
}

func (s *SqliteStore) FindReadyForRetry(ctx context.Context, status model.Status, now time.Time) ([]*model.ProcessingItem, error) {
	ms := now.UnixMilli()
	return s.queryItems(ctx, `
		SELECT doc FROM processing_items
		WHERE status = ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (skip_until IS NULL OR skip_until <= ?)
		ORDER BY discovered_at, id`,
		string(status), ms, ms)
}

func (s *SqliteStore) Update(ctx context.Context, id string, fn func(*model.ProcessingItem) error) (*model.ProcessingItem, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		item, version, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(item); err != nil {
			return nil, err
		}
		doc, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshal item %s: %w", id, err)
		}
		res, err := s.DB.ExecContext(ctx, `
			UPDATE processing_items
			SET status = ?, next_retry_at = ?, skip_until = ?, version = version + 1, doc = ?
			WHERE id = ? AND version = ?`,
			string(item.Status), nullableUnix(item.NextRetryAt), nullableUnix(item.SkipUntil),
			string(doc), id, version,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return item, nil
		}
		// Lost the race; reload and re-apply against fresh state.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil, fmt.Errorf("item %s: concurrent update contention", id)
}

func (s *SqliteStore) UpdateStatus(ctx context.Context, id string, status model.Status, fields Fields) (*model.ProcessingItem, error) {
	return s.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.Status = status
		applyFields(item, fields)
		return nil
	})
}

func (s *SqliteStore) IncrementAttempts(ctx context.Context, id string, nextRetryAt *time.Time) (*model.ProcessingItem, error) {
	return s.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.Attempts++
		item.NextRetryAt = nextRetryAt
		return nil
	})
}

func (s *SqliteStore) UpdateProgress(ctx context.Context, id string, pct float64) error {
	_, err := s.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.Progress = pct
		return nil
	})
	return err
}

func (s *SqliteStore) UpdateStepContext(ctx context.Context, id string, partial model.StepContext) (*model.ProcessingItem, error) {
	return s.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.StepContext = item.StepContext.Merge(partial)
		return nil
	})
}

func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM processing_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("item %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *SqliteStore) DeleteByRequest(ctx context.Context, requestID string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM processing_items WHERE request_id = ?`, requestID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SqliteStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM processing_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[model.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *SqliteStore) GetRequestStats(ctx context.Context, requestID string) (model.RequestStats, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM processing_items
		WHERE request_id = ? GROUP BY status`, requestID)
	if err != nil {
		return model.RequestStats{}, err
	}
	defer func() { _ = rows.Close() }()

	var stats model.RequestStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.RequestStats{}, err
		}
		countStats(&stats, model.Status(status), count)
	}
	return stats, rows.Err()
}
