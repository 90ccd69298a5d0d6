// SPDX-License-Identifier: MIT

// Package bridge connects the pipeline orchestrator to the encoder
// fleet: it turns encode steps into dispatched jobs and folds job
// events back into item state.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/fleet/dispatch"
	"github.com/fetcharr/fetcharr/internal/fleet/protocol"
	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
	"github.com/fetcharr/fetcharr/internal/pipeline/worker"
)

// Fleet is the slice of the dispatcher the bridge needs.
type Fleet interface {
	Assign(ctx context.Context, job dispatch.Job) (string, error)
	Cancel(jobID, reason string) error
}

// jobResult is the terminal outcome of one fleet job.
type jobResult struct {
	complete protocol.JobComplete
	failed   *protocol.JobFailed
}

type pendingJob struct {
	itemID string
	done   chan jobResult
}

// Bridge owns the jobID -> item mapping for in-flight encodes.
type Bridge struct {
	orch   *worker.Orchestrator
	fleet  Fleet
	newID  func() string
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*pendingJob
}

// New builds a bridge over the orchestrator. Bind must be called with
// the dispatcher before the encode handler runs; the callbacks are safe
// to register immediately.
func New(orch *worker.Orchestrator) *Bridge {
	b := &Bridge{
		orch:   orch,
		newID:  uuid.NewString,
		logger: log.WithComponent("bridge"),
		jobs:   make(map[string]*pendingJob),
	}
	orch.OnCancel(b.revoke)
	return b
}

// revoke routes an operator cancellation to the fleet when the item
// still has an encode in flight. The encoder answers with a
// non-retriable job:failed, which settles the blocked encode step.
func (b *Bridge) revoke(item *model.ProcessingItem) {
	if b.fleet == nil {
		return
	}
	b.mu.Lock()
	var jobID string
	for id, pending := range b.jobs {
		if pending.itemID == item.ID {
			jobID = id
			break
		}
	}
	b.mu.Unlock()
	if jobID == "" {
		return
	}
	if err := b.fleet.Cancel(jobID, "cancelled by operator"); err != nil {
		b.logger.Warn().
			Str(log.FieldJobID, jobID).
			Str(log.FieldItemID, item.ID).
			Err(err).
			Msg("fleet cancel failed")
	}
}

// Bind attaches the fleet the encode handler assigns jobs to.
func (b *Bridge) Bind(fleet Fleet) { b.fleet = fleet }

// Callbacks returns the dispatcher callbacks that fold job events back
// into pipeline state.
func (b *Bridge) Callbacks() dispatch.Callbacks {
	return dispatch.Callbacks{
		OnProgress: b.onProgress,
		OnComplete: b.onComplete,
		OnFailed:   b.onFailed,
	}
}

func (b *Bridge) onProgress(_ string, p protocol.JobProgress) {
	b.mu.Lock()
	pending, ok := b.jobs[p.JobID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := b.orch.UpdateProgress(context.Background(), pending.itemID, p.Progress); err != nil {
		b.logger.Debug().
			Str(log.FieldJobID, p.JobID).
			Str(log.FieldItemID, pending.itemID).
			Err(err).
			Msg("progress update failed")
	}
}

func (b *Bridge) onComplete(_ string, c protocol.JobComplete) {
	b.finish(c.JobID, jobResult{complete: c})
}

func (b *Bridge) onFailed(_ string, f protocol.JobFailed) {
	b.finish(f.JobID, jobResult{failed: &f})
}

func (b *Bridge) finish(jobID string, res jobResult) {
	b.mu.Lock()
	pending, ok := b.jobs[jobID]
	delete(b.jobs, jobID)
	b.mu.Unlock()
	if !ok {
		b.logger.Warn().Str(log.FieldJobID, jobID).Msg("result for unknown job dropped")
		return
	}
	pending.done <- res
}

// EncodeHandler returns the step handler that runs encode steps on the
// fleet. Execute blocks until the job reaches a terminal state or ctx
// is cancelled.
func (b *Bridge) EncodeHandler() worker.StepHandler {
	return worker.StepHandlerFunc(b.execute)
}

func (b *Bridge) execute(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep) (model.StepContext, error) {
	if b.fleet == nil {
		return nil, errors.New("bridge not bound to a fleet")
	}
	input, err := encodeInput(item)
	if err != nil {
		return nil, err
	}

	jobID := b.newID()
	ctx = log.ContextWithJobID(ctx, jobID)
	logger := log.WithContext(ctx, b.logger)
	job := dispatch.Job{
		ID:         jobID,
		InputPath:  input,
		OutputPath: outputPath(input, step),
		Config:     encodingConfig(step),
	}

	pending := &pendingJob{itemID: item.ID, done: make(chan jobResult, 1)}
	b.mu.Lock()
	b.jobs[jobID] = pending
	b.mu.Unlock()

	if _, err := b.orch.UpdateContext(ctx, item.ID, model.StepContext{
		model.CtxKeyEncodingJob: jobID,
	}); err != nil {
		b.abandon(jobID)
		return nil, err
	}

	if _, err := b.fleet.Assign(ctx, job); err != nil {
		b.abandon(jobID)
		return nil, fmt.Errorf("encoder fleet unavailable: %w", err)
	}

	select {
	case <-ctx.Done():
		if err := b.fleet.Cancel(jobID, "pipeline shutting down"); err != nil {
			logger.Debug().Err(err).Msg("cancel failed")
		}
		b.abandon(jobID)
		return nil, ctx.Err()
	case res := <-pending.done:
		if res.failed != nil {
			return nil, fmt.Errorf("encode failed: %s", res.failed.Error)
		}
		return model.StepContext{
			model.CtxKeyEncodedFile: res.complete.OutputPath,
		}, nil
	}
}

func (b *Bridge) abandon(jobID string) {
	b.mu.Lock()
	delete(b.jobs, jobID)
	b.mu.Unlock()
}

// encodeInput locates the downloaded file in the item's step context.
func encodeInput(item *model.ProcessingItem) (string, error) {
	switch v := item.StepContext[model.CtxKeyDownload].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if p, ok := v["path"].(string); ok && p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("item %s has no downloaded file to encode", item.ID)
}

// outputPath derives the encode target from the step config, falling
// back to a sibling file next to the input.
func outputPath(input string, step model.TemplateStep) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + ".encoded.mkv"
	if dir, ok := step.Config["outputDir"].(string); ok && dir != "" {
		return filepath.Join(dir, base)
	}
	return filepath.Join(filepath.Dir(input), base)
}

// encodingConfig lifts the step's encoder settings onto the wire type.
func encodingConfig(step model.TemplateStep) protocol.EncodingConfig {
	cfg := protocol.EncodingConfig{}
	if v, ok := step.Config["codec"].(string); ok {
		cfg.Codec = v
	}
	if v, ok := step.Config["preset"].(string); ok {
		cfg.Preset = v
	}
	if v, ok := step.Config["quality"].(int); ok {
		cfg.Quality = v
	}
	if v, ok := step.Config["quality"].(float64); ok {
		cfg.Quality = int(v)
	}
	if v, ok := step.Config["resolution"].(string); ok {
		cfg.Resolution = v
	}
	if v, ok := step.Config["hwAccel"].(string); ok {
		cfg.HWAccel = v
	}
	return cfg
}
