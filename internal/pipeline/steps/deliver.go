// SPDX-License-Identifier: MIT

// Package steps holds the locally-runnable pipeline step handlers.
// Search and download are integration points owned by external service
// clients; delivery runs in-process.
package steps

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

// Deliver moves the encoded file into the library. A step config
// "targetDir" overrides the default destination.
type Deliver struct {
	TargetDir string
	logger    zerolog.Logger
}

// NewDeliver builds the delivery handler with a default target
// directory.
func NewDeliver(targetDir string) *Deliver {
	return &Deliver{
		TargetDir: targetDir,
		logger:    log.WithComponent("deliver"),
	}
}

// Execute moves the item's encoded file into the target directory and
// records the final path.
func (d *Deliver) Execute(ctx context.Context, item *model.ProcessingItem, step model.TemplateStep) (model.StepContext, error) {
	src, ok := item.StepContext[model.CtxKeyEncodedFile].(string)
	if !ok || src == "" {
		return nil, fmt.Errorf("item %s has no encoded file to deliver", item.ID)
	}

	target := d.TargetDir
	if dir, ok := step.Config["targetDir"].(string); ok && dir != "" {
		target = dir
	}
	if target == "" {
		return nil, fmt.Errorf("no delivery target configured")
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create delivery dir: %w", err)
	}

	dst := filepath.Join(target, filepath.Base(src))
	if err := moveFile(src, dst); err != nil {
		return nil, fmt.Errorf("deliver %s: %w", filepath.Base(src), err)
	}

	d.logger.Info().
		Str(log.FieldItemID, item.ID).
		Str(log.FieldOutputPath, dst).
		Msg("delivered")
	return model.StepContext{"deliveredPath": dst}, nil
}

// moveFile renames when possible and falls back to copy+remove across
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
