// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

func fragmentHandler(key string, calls *int) StepHandler {
	return StepHandlerFunc(func(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep) (model.StepContext, error) {
		if calls != nil {
			*calls++
		}
		if key == "" {
			return nil, nil
		}
		return model.StepContext{key: "artifact-" + step.Name}, nil
	})
}

func failingHandler(err error) StepHandler {
	return StepHandlerFunc(func(context.Context, *model.ProcessingItem, model.TemplateStep) (model.StepContext, error) {
		return nil, err
	})
}

func defaultHandlers(e *Executor) {
	e.Register("search", fragmentHandler(model.CtxKeySelectedRelease, nil))
	e.Register("download", fragmentHandler(model.CtxKeyDownload, nil))
	e.Register("encode", fragmentHandler(model.CtxKeyEncodedFile, nil))
	e.Register("deliver", fragmentHandler("", nil))
}

func movieTemplate(t *testing.T, f *fixture) *model.PipelineTemplate {
	t.Helper()
	tpl, err := f.orch.templates.FindDefaultTemplate(context.Background(), model.RequestMovie)
	require.NoError(t, err)
	return tpl
}

func TestExecutorRunsFullPipeline(t *testing.T) {
	f := newFixture(t)
	item := f.createMovie(t)
	exec := NewExecutor(f.orch)
	defaultHandlers(exec)
	notifies := 0
	exec.Register("notify", fragmentHandler("", &notifies))

	require.NoError(t, exec.Run(context.Background(), item.ID, movieTemplate(t, f)))

	got, err := f.orch.Item(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, float64(100), got.Progress)
	assert.True(t, got.StepContext.Has(model.CtxKeySelectedRelease))
	assert.True(t, got.StepContext.Has(model.CtxKeyEncodedFile))
	assert.Zero(t, notifies, "notify is not reached once the item settles")
}

func TestExecutorStopsOnAbsorbedFailure(t *testing.T) {
	f := newFixture(t)
	item := f.createMovie(t)
	exec := NewExecutor(f.orch)
	defaultHandlers(exec)
	downloads := 0
	exec.Register("download", StepHandlerFunc(func(context.Context, *model.ProcessingItem, model.TemplateStep) (model.StepContext, error) {
		downloads++
		return nil, errors.New("503 unavailable")
	}))

	require.NoError(t, exec.Run(context.Background(), item.ID, movieTemplate(t, f)))

	got, err := f.orch.Item(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, model.StatusDownloading, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, "download", got.CurrentStep)
}

func TestExecutorResumesPastCompletedSteps(t *testing.T) {
	f := newFixture(t)
	item := f.createMovie(t)
	ctx := context.Background()
	exec := NewExecutor(f.orch)
	searches := 0
	exec.Register("search", fragmentHandler(model.CtxKeySelectedRelease, &searches))
	exec.Register("download", fragmentHandler(model.CtxKeyDownload, nil))
	exec.Register("encode", fragmentHandler(model.CtxKeyEncodedFile, nil))
	exec.Register("deliver", fragmentHandler("", nil))

	// Item already picked its release on a previous pass.
	_, err := f.orch.TransitionStatus(ctx, item.ID, model.StatusFound, model.StepContext{
		model.CtxKeySelectedRelease: map[string]any{"title": "x"},
	})
	require.NoError(t, err)

	require.NoError(t, exec.Run(ctx, item.ID, movieTemplate(t, f)))

	got, err := f.orch.Item(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Zero(t, searches, "search must not rerun after its exit status was reached")
}

func TestExecutorContinueOnError(t *testing.T) {
	f := newFixture(t)
	item := f.createMovie(t)
	exec := NewExecutor(f.orch)
	exec.Register("notify", failingHandler(errors.New("webhook down")))
	exec.Register("search", fragmentHandler(model.CtxKeySelectedRelease, nil))
	tpl := &model.PipelineTemplate{
		Name: "notify-first",
		Steps: []model.TemplateStep{
			{Type: "notify", Name: "announce", ContinueOnError: true},
			{Type: "search", Name: "search", Required: true, Retryable: true},
		},
	}

	require.NoError(t, exec.Run(context.Background(), item.ID, tpl))

	got, err := f.orch.Item(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFound, got.Status)
	assert.Empty(t, got.LastError)
}

func TestExecutorMissingHandler(t *testing.T) {
	f := newFixture(t)
	item := f.createMovie(t)
	exec := NewExecutor(f.orch)
	ctx := context.Background()

	// Optional steps without a handler are skipped.
	optional := &model.PipelineTemplate{
		Name:  "optional-only",
		Steps: []model.TemplateStep{{Type: "notify", Name: "announce"}},
	}
	require.NoError(t, exec.Run(ctx, item.ID, optional))

	// A required step without a handler is an infrastructure error.
	err := exec.Run(ctx, item.ID, movieTemplate(t, f))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestTryAlternatives(t *testing.T) {
	ctx := context.Background()
	tried := []string{}
	pick := func(_ context.Context, c string) error {
		tried = append(tried, c)
		if c == "good" {
			return nil
		}
		return errors.New("reject " + c)
	}

	got, err := TryAlternatives(ctx, []string{"bad1", "bad2", "good", "never"}, 0, pick)
	require.NoError(t, err)
	assert.Equal(t, "good", got)
	assert.Equal(t, []string{"bad1", "bad2", "good"}, tried)
}

func TestTryAlternativesBounded(t *testing.T) {
	ctx := context.Background()
	tried := 0
	_, err := TryAlternatives(ctx, []string{"a", "b", "c", "d"}, 2, func(context.Context, string) error {
		tried++
		return errors.New("nope")
	})
	require.True(t, errors.Is(err, ErrAlternativesExhausted))
	assert.Equal(t, 2, tried)
}

func TestTryAlternativesEmpty(t *testing.T) {
	_, err := TryAlternatives(context.Background(), nil, 0, func(context.Context, string) error { return nil })
	assert.True(t, errors.Is(err, ErrAlternativesExhausted))
}

func TestTryAlternativesHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := TryAlternatives(ctx, []string{"a"}, 0, func(context.Context, string) error { return nil })
	assert.True(t, errors.Is(err, context.Canceled))
}
