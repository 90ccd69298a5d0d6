// SPDX-License-Identifier: MIT

// Package template resolves the ordered step list applied to new
// processing items.
package template

import (
	"context"
	"fmt"

	"github.com/fetcharr/fetcharr/internal/pipeline/model"
)

// DefaultName is the catch-all template used when no media-type-specific
// template exists.
const DefaultName = "default"

// Source resolves the applicable pipeline template for a media type.
type Source interface {
	// FindDefaultTemplate returns the template for mediaType, falling
	// back to the catch-all. A missing match yields model.ErrNotFound.
	FindDefaultTemplate(ctx context.Context, mediaType model.RequestType) (*model.PipelineTemplate, error)
}

// Static serves a fixed template set.
type Static struct {
	templates []model.PipelineTemplate
}

// NewStatic builds a source over the given templates.
func NewStatic(templates []model.PipelineTemplate) *Static {
	return &Static{templates: templates}
}

// Defaults returns the built-in acquisition pipelines.
func Defaults() []model.PipelineTemplate {
	steps := []model.TemplateStep{
		{Type: "search", Name: "search", Required: true, Retryable: true},
		{Type: "download", Name: "download", Required: true, Retryable: true},
		{Type: "encode", Name: "encode", Required: true, Retryable: true},
		{Type: "deliver", Name: "deliver", Required: true, Retryable: true},
		{Type: "notify", Name: "notify", ContinueOnError: true},
	}
	return []model.PipelineTemplate{
		{Name: "movie", MediaType: model.RequestMovie, Steps: steps},
		{Name: "tv", MediaType: model.RequestTV, Steps: steps},
		{Name: DefaultName, Steps: steps},
	}
}

func (s *Static) FindDefaultTemplate(ctx context.Context, mediaType model.RequestType) (*model.PipelineTemplate, error) {
	return resolve(s.templates, mediaType)
}

func resolve(templates []model.PipelineTemplate, mediaType model.RequestType) (*model.PipelineTemplate, error) {
	var fallback *model.PipelineTemplate
	for i := range templates {
		t := &templates[i]
		if t.MediaType == mediaType && len(t.Steps) > 0 {
			out := *t
			return &out, nil
		}
		if t.Name == DefaultName {
			fallback = t
		}
	}
	if fallback != nil && len(fallback.Steps) > 0 {
		out := *fallback
		return &out, nil
	}
	return nil, fmt.Errorf("template for media type %q: %w", mediaType, model.ErrNotFound)
}
