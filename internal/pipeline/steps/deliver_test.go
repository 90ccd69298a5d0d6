// SPDX-License-Identifier: MIT

package steps_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/pipeline/model"
	"github.com/fetcharr/fetcharr/internal/pipeline/steps"
)

func TestDeliverMovesEncodedFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "movie.encoded.mkv")
	require.NoError(t, os.WriteFile(src, []byte("frames"), 0o644))

	target := t.TempDir()
	d := steps.NewDeliver(target)

	item := &model.ProcessingItem{
		ID:          "item-1",
		StepContext: model.StepContext{model.CtxKeyEncodedFile: src},
	}

	frag, err := d.Execute(context.Background(), item, model.TemplateStep{Type: "deliver", Name: "deliver"})
	require.NoError(t, err)

	delivered := filepath.Join(target, "movie.encoded.mkv")
	require.Equal(t, delivered, frag["deliveredPath"])

	data, err := os.ReadFile(delivered)
	require.NoError(t, err)
	require.Equal(t, "frames", string(data))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestDeliverStepConfigOverridesTarget(t *testing.T) {
	src := filepath.Join(t.TempDir(), "show.mkv")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	override := filepath.Join(t.TempDir(), "library")
	d := steps.NewDeliver(t.TempDir())

	item := &model.ProcessingItem{
		ID:          "item-2",
		StepContext: model.StepContext{model.CtxKeyEncodedFile: src},
	}
	step := model.TemplateStep{
		Type:   "deliver",
		Name:   "deliver",
		Config: map[string]any{"targetDir": override},
	}

	frag, err := d.Execute(context.Background(), item, step)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(override, "show.mkv"), frag["deliveredPath"])
}

func TestDeliverRequiresEncodedFile(t *testing.T) {
	d := steps.NewDeliver(t.TempDir())
	item := &model.ProcessingItem{ID: "item-3", StepContext: model.StepContext{}}

	_, err := d.Execute(context.Background(), item, model.TemplateStep{Type: "deliver"})
	require.ErrorContains(t, err, "no encoded file")
}

func TestDeliverRequiresTarget(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.mkv")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	d := steps.NewDeliver("")
	item := &model.ProcessingItem{
		ID:          "item-4",
		StepContext: model.StepContext{model.CtxKeyEncodedFile: src},
	}

	_, err := d.Execute(context.Background(), item, model.TemplateStep{Type: "deliver"})
	require.ErrorContains(t, err, "no delivery target")
}
