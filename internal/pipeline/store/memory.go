// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

// MemoryStore is an in-memory Repository intended for tests and local
// iteration. Not durable; not suitable for production.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*model.ProcessingItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*model.ProcessingItem)}
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*model.ProcessingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, model.ErrNotFound)
	}
	return item.Clone(), nil
}

func (m *MemoryStore) FindByStatus(ctx context.Context, status model.Status) ([]*model.ProcessingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ProcessingItem
	for _, item := range m.items {
		if item.Status == status {
			out = append(out, item.Clone())
		}
	}
	sortByDiscovery(out)
	return out, nil
}

func (m *MemoryStore) FindReadyForRetry(ctx context.Context, status model.Status, now time.Time) ([]*model.ProcessingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ProcessingItem
	for _, item := range m.items {
		if item.Status == status && ready(item, now) {
			out = append(out, item.Clone())
		}
	}
	sortByDiscovery(out)
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.Status]int)
	for _, item := range m.items {
		counts[item.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) Create(ctx context.Context, item *model.ProcessingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[item.ID]; exists {
		return fmt.Errorf("item %s already exists", item.ID)
	}
	m.items[item.ID] = item.Clone()
	return nil
}

func (m *MemoryStore) CreateMany(ctx context.Context, items []*model.ProcessingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		if _, exists := m.items[item.ID]; exists {
			return fmt.Errorf("item %s already exists", item.ID)
		}
	}
	for _, item := range items {
		m.items[item.ID] = item.Clone()
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*model.ProcessingItem) error) (*model.ProcessingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, model.ErrNotFound)
	}
	work := item.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	m.items[id] = work
	return work.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status model.Status, fields Fields) (*model.ProcessingItem, error) {
	return m.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.Status = status
		applyFields(item, fields)
		return nil
	})
}

func (m *MemoryStore) IncrementAttempts(ctx context.Context, id string, nextRetryAt *time.Time) (*model.ProcessingItem, error) {
	return m.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.Attempts++
		item.NextRetryAt = nextRetryAt
		return nil
	})
}

func (m *MemoryStore) UpdateProgress(ctx context.Context, id string, pct float64) error {
	_, err := m.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.Progress = pct
		return nil
	})
	return err
}

func (m *MemoryStore) UpdateStepContext(ctx context.Context, id string, partial model.StepContext) (*model.ProcessingItem, error) {
	return m.Update(ctx, id, func(item *model.ProcessingItem) error {
		item.StepContext = item.StepContext.Merge(partial)
		return nil
	})
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("item %s: %w", id, model.ErrNotFound)
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) DeleteByRequest(ctx context.Context, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, item := range m.items {
		if item.RequestID == requestID {
			delete(m.items, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetRequestStats(ctx context.Context, requestID string) (model.RequestStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats model.RequestStats
	for _, item := range m.items {
		if item.RequestID == requestID {
			countStats(&stats, item.Status, 1)
		}
	}
	return stats, nil
}

func sortByDiscovery(items []*model.ProcessingItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].DiscoveredAt.Equal(items[j].DiscoveredAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].DiscoveredAt.Before(items[j].DiscoveredAt)
	})
}
