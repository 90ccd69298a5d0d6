// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/pipeline/fsm"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

// StepHandler performs one pipeline step. The returned context fragment
// is merged into the item when the step's exit transition commits.
type StepHandler interface {
	Execute(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep) (model.StepContext, error)
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep) (model.StepContext, error)

func (f StepHandlerFunc) Execute(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep) (model.StepContext, error) {
	return f(ctx, item, step)
}

// stepStatuses maps a step type to the status held while the step runs
// and the status entered when it completes. Step types without an entry
// (e.g. notify) run as side effects with no status change.
var stepStatuses = map[string]struct{ active, done model.Status }{
	"search":   {model.StatusSearching, model.StatusFound},
	"download": {model.StatusDownloading, model.StatusDownloaded},
	"encode":   {model.StatusEncoding, model.StatusEncoded},
	"deliver":  {model.StatusDelivering, model.StatusCompleted},
}

// Executor walks a template's ordered steps and invokes the registered
// handlers, calling back into the orchestrator for every transition and
// failure. It holds no state of its own.
type Executor struct {
	orch     *Orchestrator
	handlers map[string]StepHandler
	logger   zerolog.Logger
}

// NewExecutor builds an executor over the orchestrator.
func NewExecutor(orch *Orchestrator) *Executor {
	return &Executor{
		orch:     orch,
		handlers: make(map[string]StepHandler),
		logger:   log.WithComponent("executor"),
	}
}

// Register installs the handler for a step type, replacing any previous
// registration.
func (e *Executor) Register(stepType string, h StepHandler) {
	e.handlers[stepType] = h
}

// Run executes the template's steps for one item, starting after the
// item's current position. It stops early when a failure is absorbed
// into a retry schedule, and returns only infrastructure errors.
func (e *Executor) Run(ctx context.Context, itemID string, tpl *model.PipelineTemplate) error {
	for _, step := range tpl.Steps {
		item, err := e.orch.Item(ctx, itemID)
		if err != nil {
			return err
		}
		if item.Status.IsTerminal() {
			return nil
		}
		done, err := e.runStep(ctx, item, step)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}
	return nil
}

// runStep executes a single step. done=false means the walk should stop
// (a retry was scheduled or the item settled).
func (e *Executor) runStep(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep) (done bool, err error) {
	statuses, tracked := stepStatuses[step.Type]
	// Already past this step (e.g. re-entry after a retry park): skip
	// before the handler check so resumed items don't need handlers for
	// stages completed elsewhere.
	if tracked && rankedPast(item.Status, statuses.done) {
		return true, nil
	}

	handler, ok := e.handlers[step.Type]
	if !ok {
		if step.Required {
			return false, fmt.Errorf("no handler registered for required step %q", step.Type)
		}
		e.logger.Debug().Str(log.FieldStep, step.Type).Msg("no handler, skipping optional step")
		return true, nil
	}

	if tracked {
		updated, err := e.orch.TransitionStatus(ctx, item.ID, statuses.active, model.StepContext{})
		if err != nil {
			return false, err
		}
		item = updated
	}
	if _, err := e.orch.repo.Update(ctx, item.ID, func(it *model.ProcessingItem) error {
		it.CurrentStep = step.Name
		return nil
	}); err != nil {
		return false, err
	}

	fragment, stepErr := handler.Execute(ctx, item, step)
	if stepErr != nil {
		return e.handleStepFailure(ctx, item, step, stepErr)
	}

	if tracked {
		if _, err := e.orch.TransitionStatus(ctx, item.ID, statuses.done, fragment); err != nil {
			return false, err
		}
	} else if len(fragment) > 0 {
		if _, err := e.orch.UpdateContext(ctx, item.ID, fragment); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e *Executor) handleStepFailure(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep, stepErr error) (bool, error) {
	if step.ContinueOnError {
		e.logger.Warn().
			Str(log.FieldItemID, item.ID).
			Str(log.FieldStep, step.Name).
			Err(stepErr).
			Msg("optional step failed, continuing")
		return true, nil
	}
	service := serviceFromStep(step)
	if _, err := e.orch.HandleError(ctx, item.ID, stepErr, service); err != nil {
		return false, err
	}
	return false, nil
}

// serviceFromStep extracts the breaker key a step declared, if any.
func serviceFromStep(step model.TemplateStep) string {
	if step.Config == nil {
		return ""
	}
	if s, ok := step.Config["service"].(string); ok {
		return s
	}
	return ""
}

// rankedPast reports whether status already reached or passed done in
// the forward order.
func rankedPast(status, done model.Status) bool {
	sp, ok := fsm.ForwardRank(status)
	if !ok {
		return false
	}
	dp, ok := fsm.ForwardRank(done)
	return ok && sp >= dp
}

// ErrAlternativesExhausted reports that every candidate failed.
var ErrAlternativesExhausted = errors.New("all alternatives exhausted")

// TryAlternatives runs fn over candidates in order until one succeeds,
// bounded by maxTries. It replaces the recursive retry-with-alternative
// pattern so pathological candidate lists cannot blow the stack.
func TryAlternatives[T any](ctx context.Context, candidates []T, maxTries int, fn func(context.Context, T) error) (T, error) {
	var zero T
	if maxTries <= 0 || maxTries > len(candidates) {
		maxTries = len(candidates)
	}
	var lastErr error
	for i := 0; i < maxTries; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if err := fn(ctx, candidates[i]); err != nil {
			lastErr = err
			continue
		}
		return candidates[i], nil
	}
	if lastErr != nil {
		return zero, fmt.Errorf("%w: last error: %v", ErrAlternativesExhausted, lastErr)
	}
	return zero, ErrAlternativesExhausted
}
