// SPDX-License-Identifier: MIT

// Package worker drives processing items through the pipeline: it is the
// only writer of item status and the single place failures are routed
// through the retry strategy.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/pipeline/fsm"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
	"github.com/fetcharr/fetcharr/internal/pipeline/store"
	"github.com/fetcharr/fetcharr/internal/pipeline/template"
	"github.com/fetcharr/fetcharr/internal/resilience"
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// validationArtifacts maps each validation-gated status to the step
// context key that must already exist when entering it.
var validationArtifacts = map[model.Status]string{
	model.StatusFound:      model.CtxKeySelectedRelease,
	model.StatusDiscovered: model.CtxKeySelectedRelease,
	model.StatusDownloaded: model.CtxKeyDownload,
	model.StatusEncoded:    model.CtxKeyEncodedFile,
}

// Orchestrator creates items from requests and owns every status
// transition. It is intentionally side-effecting and must stay
// out-of-band from request/response paths.
type Orchestrator struct {
	repo      store.Repository
	templates template.Source
	retry     *resilience.RetryStrategy
	clock     clock
	newID     func() string
	logger    zerolog.Logger

	// cancelHooks run after an item is cancelled; register during
	// wiring, before any operation runs.
	cancelHooks []func(*model.ProcessingItem)
}

// OnCancel registers fn to run after an item reaches CANCELLED, e.g. to
// revoke in-flight work the item still owns elsewhere.
func (o *Orchestrator) OnCancel(fn func(*model.ProcessingItem)) {
	o.cancelHooks = append(o.cancelHooks, fn)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator overrides item/request ID generation; tests pass a
// deterministic sequence.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New builds an orchestrator over the given collaborators.
func New(repo store.Repository, templates template.Source, retry *resilience.RetryStrategy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:      repo,
		templates: templates,
		retry:     retry,
		clock:     realClock{},
		newID:     func() string { return uuid.New().String() },
		logger:    log.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateRequest resolves the pipeline template for the request's media
// type and creates one item per unit of work: a single item for a movie,
// one per episode for TV.
func (o *Orchestrator) CreateRequest(ctx context.Context, spec model.RequestSpec) (*model.Request, error) {
	tpl, err := o.templates.FindDefaultTemplate(ctx, spec.MediaType)
	if err != nil {
		return nil, err
	}

	maxAttempts := tpl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	req := &model.Request{ID: o.newID(), Spec: spec}
	now := o.clock.Now().UTC()

	newItem := func(itemType model.MediaType) *model.ProcessingItem {
		return &model.ProcessingItem{
			ID:           o.newID(),
			RequestID:    req.ID,
			Type:         itemType,
			TMDBID:       spec.TMDBID,
			Title:        spec.Title,
			Status:       model.StatusPending,
			MaxAttempts:  maxAttempts,
			StepContext:  model.StepContext{},
			DiscoveredAt: now,
		}
	}

	switch spec.MediaType {
	case model.RequestMovie:
		req.Items = append(req.Items, newItem(model.MediaMovie))
	case model.RequestTV:
		if len(spec.Episodes) == 0 {
			return nil, fmt.Errorf("tv request for %q has no episodes", spec.Title)
		}
		for _, ep := range spec.Episodes {
			item := newItem(model.MediaEpisode)
			item.Season = ep.Season
			item.Episode = ep.Episode
			if ep.Title != "" {
				item.Title = ep.Title
			}
			req.Items = append(req.Items, item)
		}
	default:
		return nil, fmt.Errorf("unsupported media type %q", spec.MediaType)
	}

	if err := o.repo.CreateMany(ctx, req.Items); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str(log.FieldRequestID, req.ID).
		Str("media_type", string(spec.MediaType)).
		Int("items", len(req.Items)).
		Str("template", tpl.Name).
		Msg("request created")
	return req, nil
}

// TransitionStatus moves an item to target after the state machine and,
// for artifact-gated states, a validation pass both approve. updates is
// merged additively into the step context in the same write.
func (o *Orchestrator) TransitionStatus(ctx context.Context, itemID string, target model.Status, updates model.StepContext) (*model.ProcessingItem, error) {
	var from model.Status
	item, err := o.repo.Update(ctx, itemID, func(item *model.ProcessingItem) error {
		from = item.Status
		if _, err := fsm.Transition(item.Status, target); err != nil {
			return err
		}
		merged := item.StepContext.Merge(updates)
		if fsm.RequiresValidation(target) {
			key := validationArtifacts[target]
			if !merged.Has(key) {
				return &model.ValidationError{
					Status: target,
					Field:  key,
					Reason: "required artifact missing from step context",
				}
			}
		}
		item.StepContext = merged
		item.Status = target
		if target.IsTerminal() {
			now := o.clock.Now().UTC()
			item.CompletedAt = &now
		}
		if target == model.StatusCompleted {
			item.Progress = 100
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(string(from), string(target))
	o.logger.Info().
		Str(log.FieldItemID, itemID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(target)).
		Msg("status transition")
	return item, nil
}

// HandleError routes an operational failure through the retry strategy
// and absorbs it into the item: parked (dependency down), scheduled for
// retry, or FAILED. It never returns a classified error to the caller.
func (o *Orchestrator) HandleError(ctx context.Context, itemID string, cause error, service string) (*model.ProcessingItem, error) {
	current, err := o.repo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		// Late failure report for an already-settled item.
		return current, nil
	}

	decision, err := o.retry.Decide(ctx, current, cause, service)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now().UTC()
	item, err := o.repo.Update(ctx, itemID, func(item *model.ProcessingItem) error {
		item.AppendError(resilience.BuildErrorRecord(now, cause, decision.ErrorType, item.Attempts))
		item.LastError = cause.Error()

		switch {
		case !decision.ShouldRetry:
			item.Status = model.StatusFailed
			item.CompletedAt = &now
		case decision.UseSkipUntil:
			// The dependency is down, not the item: park it without
			// charging an attempt and leave the status alone.
			retryAt := decision.RetryAt
			item.SkipUntil = &retryAt
		default:
			item.Attempts++
			retryAt := decision.RetryAt
			item.NextRetryAt = &retryAt
			if item.Attempts >= item.MaxAttempts {
				item.Status = model.StatusFailed
				item.CompletedAt = &now
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	evt := o.logger.Warn().
		Str(log.FieldItemID, itemID).
		Str(log.FieldErrorType, string(decision.ErrorType)).
		Int(log.FieldAttempts, item.Attempts).
		Str("reason", decision.Reason).
		Err(cause)
	if service != "" {
		evt = evt.Str(log.FieldService, service)
	}
	evt.Msg("step failure handled")
	return item, nil
}

// Cancel stops a non-terminal item.
func (o *Orchestrator) Cancel(ctx context.Context, itemID string) (*model.ProcessingItem, error) {
	var from model.Status
	item, err := o.repo.Update(ctx, itemID, func(item *model.ProcessingItem) error {
		from = item.Status
		if item.Status.IsTerminal() {
			return &model.StateTransitionError{
				From:   item.Status,
				To:     model.StatusCancelled,
				Reason: "cannot cancel: item already settled",
			}
		}
		item.Status = model.StatusCancelled
		now := o.clock.Now().UTC()
		item.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(from), string(model.StatusCancelled))
	o.logger.Info().Str(log.FieldItemID, itemID).Str(log.FieldOldState, string(from)).Msg("item cancelled")
	for _, hook := range o.cancelHooks {
		hook(item)
	}
	return item, nil
}

// Retry re-queues a FAILED item from the top. Proven artifacts (the
// selected release, an already-encoded file) survive; in-flight handles
// are cleared so the next pass re-acquires them cleanly.
func (o *Orchestrator) Retry(ctx context.Context, itemID string) (*model.ProcessingItem, error) {
	item, err := o.repo.Update(ctx, itemID, func(item *model.ProcessingItem) error {
		if item.Status != model.StatusFailed {
			return &model.StateTransitionError{
				From:   item.Status,
				To:     model.StatusPending,
				Reason: "cannot retry: only FAILED items can be retried",
			}
		}
		item.Status = model.StatusPending
		item.Attempts = 0
		item.Progress = 0
		item.LastError = ""
		item.NextRetryAt = nil
		item.SkipUntil = nil
		item.CompletedAt = nil
		item.CurrentStep = ""
		item.DownloadID = ""
		item.EncodingJobID = ""
		if item.StepContext != nil {
			if item.StepContext.Has(model.CtxKeySelectedRelease) {
				item.StepContext[model.CtxKeyQualityMet] = true
			}
			delete(item.StepContext, model.CtxKeyDownload)
			delete(item.StepContext, model.CtxKeyEncodingJob)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(model.StatusFailed), string(model.StatusPending))
	o.logger.Info().Str(log.FieldItemID, itemID).Msg("item re-queued")
	return item, nil
}

// ItemsForProcessing is the scheduler's pull-based work queue: items in
// status whose nextRetryAt and skipUntil have elapsed (or were never set).
func (o *Orchestrator) ItemsForProcessing(ctx context.Context, status model.Status) ([]*model.ProcessingItem, error) {
	return o.repo.FindReadyForRetry(ctx, status, o.clock.Now().UTC())
}

// StatusCounts reports the number of items per status across the whole
// store. Statuses with no items are absent from the map.
func (o *Orchestrator) StatusCounts(ctx context.Context) (map[model.Status]int, error) {
	return o.repo.CountByStatus(ctx)
}

// UpdateProgress folds an encode/download progress report into the item.
// Out-of-range values are clamped, not rejected.
func (o *Orchestrator) UpdateProgress(ctx context.Context, itemID string, pct float64) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return o.repo.UpdateProgress(ctx, itemID, pct)
}

// UpdateContext merges partial into the item's step context. The merge
// is shallow-additive: unrelated keys are never touched.
func (o *Orchestrator) UpdateContext(ctx context.Context, itemID string, partial model.StepContext) (*model.ProcessingItem, error) {
	return o.repo.UpdateStepContext(ctx, itemID, partial)
}

// Item loads a single item.
func (o *Orchestrator) Item(ctx context.Context, itemID string) (*model.ProcessingItem, error) {
	return o.repo.FindByID(ctx, itemID)
}

// RequestStats aggregates item counts for a request.
func (o *Orchestrator) RequestStats(ctx context.Context, requestID string) (model.RequestStats, error) {
	return o.repo.GetRequestStats(ctx, requestID)
}

// DeleteRequest cascades a request deletion to its items.
func (o *Orchestrator) DeleteRequest(ctx context.Context, requestID string) (int, error) {
	return o.repo.DeleteByRequest(ctx, requestID)
}
