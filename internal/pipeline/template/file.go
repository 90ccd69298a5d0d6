// SPDX-License-Identifier: MIT

package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fetcharr/fetcharr/internal/log"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

// FileSource reads templates from a YAML file and hot-reloads on change.
// A reload that fails to parse or validate keeps the last good template
// set, so a bad edit never takes the scheduler down.
type FileSource struct {
	mu        sync.RWMutex
	path      string
	templates []model.PipelineTemplate
	logger    zerolog.Logger
}

type templateFile struct {
	Templates []model.PipelineTemplate `yaml:"templates"`
}

// NewFileSource loads the template file at path. The initial load must
// succeed; later reloads are best-effort.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{
		path:   path,
		logger: log.WithComponent("templates"),
	}
	templates, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	s.templates = templates
	return s, nil
}

func loadFile(path string) ([]model.PipelineTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}
	var doc templateFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse template file: %w", err)
	}
	if len(doc.Templates) == 0 {
		return nil, fmt.Errorf("template file %s defines no templates", path)
	}
	for _, t := range doc.Templates {
		if t.Name == "" {
			return nil, fmt.Errorf("template file %s: template without a name", path)
		}
		if len(t.Steps) == 0 {
			return nil, fmt.Errorf("template %q has no steps", t.Name)
		}
	}
	return doc.Templates, nil
}

func (s *FileSource) FindDefaultTemplate(ctx context.Context, mediaType model.RequestType) (*model.PipelineTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.templates, mediaType)
}

// Reload re-reads the file, swapping the template set only when the new
// content is valid.
func (s *FileSource) Reload() error {
	templates, err := loadFile(s.path)
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", "templates.reload_failed").
			Str("path", s.path).
			Msg("keeping previous templates")
		return err
	}
	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()
	s.logger.Info().
		Str("event", "templates.reloaded").
		Int("count", len(templates)).
		Msg("templates reloaded")
	return nil
}

// Watch reloads the template file whenever it changes, until ctx is done.
// Editors often replace files instead of writing in place, so the parent
// directory is watched and events are debounced briefly.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			_ = s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("template watcher error")
		}
	}
}
