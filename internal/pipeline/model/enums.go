// SPDX-License-Identifier: MIT

package model

// Status is the pipeline lifecycle for a processing item.
// It is intentionally coarse-grained and stable across templates.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusSearching   Status = "SEARCHING"
	StatusFound       Status = "FOUND"
	StatusDiscovered  Status = "DISCOVERED"
	StatusDownloading Status = "DOWNLOADING"
	StatusDownloaded  Status = "DOWNLOADED"
	StatusEncoding    Status = "ENCODING"
	StatusEncoded     Status = "ENCODED"
	StatusDelivering  Status = "DELIVERING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MediaType distinguishes the two schedulable item kinds.
type MediaType string

const (
	MediaMovie   MediaType = "MOVIE"
	MediaEpisode MediaType = "EPISODE"
)

// RequestType is the media type of an incoming acquisition request.
type RequestType string

const (
	RequestMovie RequestType = "movie"
	RequestTV    RequestType = "tv"
)

// RequestType maps an item kind back to the request media type it was
// created from, for template resolution.
func (m MediaType) RequestType() RequestType {
	if m == MediaEpisode {
		return RequestTV
	}
	return RequestMovie
}

// Step context keys. Keep these stable: step handlers and validation
// depend on them.
const (
	CtxKeySelectedRelease = "selectedRelease"
	CtxKeyDownload        = "download"
	CtxKeyEncodedFile     = "encodedFile"
	CtxKeyEncodingJob     = "encodingJobId"
	CtxKeyQualityMet      = "qualityMet"
)
