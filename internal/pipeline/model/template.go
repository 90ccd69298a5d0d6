// SPDX-License-Identifier: MIT

package model

// TemplateStep is one ordered step in a pipeline template.
type TemplateStep struct {
	Type            string         `json:"type" yaml:"type"`
	Name            string         `json:"name" yaml:"name"`
	Config          map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Required        bool           `json:"required" yaml:"required"`
	Retryable       bool           `json:"retryable" yaml:"retryable"`
	ContinueOnError bool           `json:"continueOnError" yaml:"continueOnError"`
}

// PipelineTemplate is the ordered step list applied to items of one
// media type.
type PipelineTemplate struct {
	Name        string         `json:"name" yaml:"name"`
	MediaType   RequestType    `json:"mediaType" yaml:"mediaType"`
	MaxAttempts int            `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	Steps       []TemplateStep `json:"steps" yaml:"steps"`
}
