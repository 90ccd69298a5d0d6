// SPDX-License-Identifier: MIT

package model

import "time"

// MaxErrorHistory bounds the per-item error ring used for operator
// diagnostics. History is never consulted for control flow.
const MaxErrorHistory = 10

// DefaultMaxAttempts is applied to new items unless the template overrides it.
const DefaultMaxAttempts = 5

// StepContext is the opaque key-value bag accumulated by pipeline steps.
// Merges are shallow-additive: a partial update never removes unrelated keys.
type StepContext map[string]any

// Merge returns a copy of c with the keys of partial applied on top.
func (c StepContext) Merge(partial StepContext) StepContext {
	out := make(StepContext, len(c)+len(partial))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of the context.
func (c StepContext) Clone() StepContext {
	if c == nil {
		return nil
	}
	out := make(StepContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Has reports whether key is present with a non-nil value.
func (c StepContext) Has(key string) bool {
	v, ok := c[key]
	return ok && v != nil
}

// ErrorRecord is one entry in an item's bounded error history.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	ErrorType string    `json:"errorType"`
	Attempts  int       `json:"attempts"`
}

// ProcessingItem is one unit of work: a movie, or a single TV episode.
type ProcessingItem struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	Type      MediaType `json:"type"`
	TMDBID    int64     `json:"tmdbId"`
	Title     string    `json:"title"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`

	Status      Status      `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	CurrentStep string      `json:"currentStep,omitempty"`
	StepContext StepContext `json:"stepContext,omitempty"`

	LastError    string        `json:"lastError,omitempty"`
	ErrorHistory []ErrorRecord `json:"errorHistory,omitempty"`
	NextRetryAt  *time.Time    `json:"nextRetryAt,omitempty"`
	SkipUntil    *time.Time    `json:"skipUntil,omitempty"`

	Progress      float64 `json:"progress"`
	DownloadID    string  `json:"downloadId,omitempty"`
	EncodingJobID string  `json:"encodingJobId,omitempty"`

	DiscoveredAt time.Time  `json:"discoveredAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep-enough copy for store handoff: the context map and
// error history are copied, leaf values are shared.
func (p *ProcessingItem) Clone() *ProcessingItem {
	if p == nil {
		return nil
	}
	out := *p
	out.StepContext = p.StepContext.Clone()
	if p.ErrorHistory != nil {
		out.ErrorHistory = append([]ErrorRecord(nil), p.ErrorHistory...)
	}
	if p.NextRetryAt != nil {
		t := *p.NextRetryAt
		out.NextRetryAt = &t
	}
	if p.SkipUntil != nil {
		t := *p.SkipUntil
		out.SkipUntil = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// AppendError pushes a record onto the history, dropping the oldest
// entries beyond MaxErrorHistory.
func (p *ProcessingItem) AppendError(rec ErrorRecord) {
	p.ErrorHistory = append(p.ErrorHistory, rec)
	if n := len(p.ErrorHistory); n > MaxErrorHistory {
		p.ErrorHistory = p.ErrorHistory[n-MaxErrorHistory:]
	}
}

// RequestStats aggregates item counts for one request.
type RequestStats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
}

// EpisodeSpec identifies one episode inside a TV request.
type EpisodeSpec struct {
	Season  int    `json:"season"`
	Episode int    `json:"episode"`
	Title   string `json:"title,omitempty"`
}

// RequestSpec is the input to request creation.
type RequestSpec struct {
	MediaType RequestType   `json:"mediaType"`
	TMDBID    int64         `json:"tmdbId"`
	Title     string        `json:"title"`
	Episodes  []EpisodeSpec `json:"episodes,omitempty"`
}

// Request groups the items created from one acquisition request.
type Request struct {
	ID    string            `json:"id"`
	Spec  RequestSpec       `json:"spec"`
	Items []*ProcessingItem `json:"items"`
}
