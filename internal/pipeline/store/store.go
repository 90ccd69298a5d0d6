// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

// Fields is the optional partial update applied alongside a status change.
// Nil pointers leave the stored value untouched; Context is merged
// additively, never replacing unrelated keys.
type Fields struct {
	CurrentStep   *string
	LastError     *string
	Progress      *float64
	DownloadID    *string
	EncodingJobID *string
	CompletedAt   *time.Time
	Context       model.StepContext
}

// Repository is the durable surface for processing items. Implementations
// must provide per-item read-modify-write atomicity: two concurrent
// Update calls on the same item are serialized, so a stale status can
// never slip past the state machine check inside the mutate callback.
// No cross-item ordering is implied.
type Repository interface {
	FindByID(ctx context.Context, id string) (*model.ProcessingItem, error)
	FindByStatus(ctx context.Context, status model.Status) ([]*model.ProcessingItem, error)
	// FindReadyForRetry returns items in status whose nextRetryAt and
	// skipUntil are unset or in the past relative to now.
	FindReadyForRetry(ctx context.Context, status model.Status, now time.Time) ([]*model.ProcessingItem, error)

	Create(ctx context.Context, item *model.ProcessingItem) error
	CreateMany(ctx context.Context, items []*model.ProcessingItem) error

	// Update applies fn to the current item atomically and persists the
	// result. fn returning an error aborts the update and the error is
	// returned unchanged. A missing id yields model.ErrNotFound.
	Update(ctx context.Context, id string, fn func(*model.ProcessingItem) error) (*model.ProcessingItem, error)

	UpdateStatus(ctx context.Context, id string, status model.Status, fields Fields) (*model.ProcessingItem, error)
	IncrementAttempts(ctx context.Context, id string, nextRetryAt *time.Time) (*model.ProcessingItem, error)
	UpdateProgress(ctx context.Context, id string, pct float64) error
	UpdateStepContext(ctx context.Context, id string, partial model.StepContext) (*model.ProcessingItem, error)

	Delete(ctx context.Context, id string) error
	// DeleteByRequest cascades a request deletion to its items.
	DeleteByRequest(ctx context.Context, requestID string) (int, error)

	GetRequestStats(ctx context.Context, requestID string) (model.RequestStats, error)
	// CountByStatus returns the number of items per status; statuses
	// with no items are absent from the map.
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// applyFields folds a partial update into an item. Shared by both stores
// so the merge semantics cannot drift.
func applyFields(item *model.ProcessingItem, f Fields) {
	if f.CurrentStep != nil {
		item.CurrentStep = *f.CurrentStep
	}
	if f.LastError != nil {
		item.LastError = *f.LastError
	}
	if f.Progress != nil {
		item.Progress = *f.Progress
	}
	if f.DownloadID != nil {
		item.DownloadID = *f.DownloadID
	}
	if f.EncodingJobID != nil {
		item.EncodingJobID = *f.EncodingJobID
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		item.CompletedAt = &t
	}
	if len(f.Context) > 0 {
		item.StepContext = item.StepContext.Merge(f.Context)
	}
}

// ready reports whether an item may be handed to the scheduler at now.
func ready(item *model.ProcessingItem, now time.Time) bool {
	if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
		return false
	}
	if item.SkipUntil != nil && item.SkipUntil.After(now) {
		return false
	}
	return true
}

// countStats folds n items of one status into a request aggregate.
func countStats(stats *model.RequestStats, status model.Status, n int) {
	stats.Total += n
	switch status {
	case model.StatusCompleted:
		stats.Completed += n
	case model.StatusFailed:
		stats.Failed += n
	case model.StatusPending:
		stats.Pending += n
	case model.StatusCancelled:
		// cancelled items count toward total only
	default:
		stats.InProgress += n
	}
}
