// SPDX-License-Identifier: MIT

// Package protocol defines the wire vocabulary spoken between the
// dispatcher and the encoder fleet: newline-delimited JSON objects, each
// carrying a type discriminator. Both sides ignore unknown types so the
// protocol can grow without lockstep upgrades.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types. The job: prefix groups everything scoped to a single
// encode job.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeHeartbeat  = "heartbeat"
	TypePong       = "pong"

	TypeJobAssign   = "job:assign"
	TypeJobAccepted = "job:accepted"
	TypeJobProgress = "job:progress"
	TypeJobComplete = "job:complete"
	TypeJobFailed   = "job:failed"
	TypeJobCancel   = "job:cancel"

	TypeServerShutdown = "server:shutdown"
)

// Envelope is the outer frame: a discriminator plus the raw payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("message %q has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", e.Type, err)
	}
	return nil
}

// Seal wraps a payload in an envelope, marshalling it eagerly so send
// paths surface encoding errors before touching the socket.
func Seal(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %q payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Register is the encoder's opening handshake.
type Register struct {
	EncoderID     string   `json:"encoderId"`
	GPUDevice     string   `json:"gpuDevice"`
	MaxConcurrent int      `json:"maxConcurrent"`
	CurrentJobs   int      `json:"currentJobs"`
	Hostname      string   `json:"hostname"`
	Version       string   `json:"version"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Registered acknowledges a registration.
type Registered struct {
	EncoderID string `json:"encoderId"`
}

// Heartbeat is the encoder's periodic liveness pulse.
type Heartbeat struct {
	EncoderID   string  `json:"encoderId"`
	CurrentJobs int     `json:"currentJobs"`
	State       string  `json:"state"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
}

// Pong acknowledges a heartbeat.
type Pong struct {
	EncoderID string `json:"encoderId"`
}

// EncodingConfig carries the transcode parameters for one job.
type EncodingConfig struct {
	Codec      string `json:"codec,omitempty"`
	Preset     string `json:"preset,omitempty"`
	Quality    int    `json:"quality,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	HWAccel    string `json:"hwAccel,omitempty"`
}

// JobAssign hands a job to an encoder.
type JobAssign struct {
	JobID          string         `json:"jobId"`
	InputPath      string         `json:"inputPath"`
	OutputPath     string         `json:"outputPath"`
	EncodingConfig EncodingConfig `json:"encodingConfig"`
}

// JobAccepted confirms the encoder admitted the job.
type JobAccepted struct {
	JobID     string `json:"jobId"`
	EncoderID string `json:"encoderId"`
}

// JobProgress streams encode telemetry while a job runs.
type JobProgress struct {
	JobID       string  `json:"jobId"`
	Progress    float64 `json:"progress"`
	Frame       int64   `json:"frame,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
	Bitrate     string  `json:"bitrate,omitempty"`
	TotalSize   int64   `json:"totalSize,omitempty"`
	ElapsedTime float64 `json:"elapsedTime,omitempty"`
	Speed       float64 `json:"speed,omitempty"`
	ETA         float64 `json:"eta,omitempty"`
}

// JobComplete reports a successful encode.
type JobComplete struct {
	JobID            string  `json:"jobId"`
	OutputPath       string  `json:"outputPath"`
	OutputSize       int64   `json:"outputSize"`
	CompressionRatio float64 `json:"compressionRatio,omitempty"`
	Duration         float64 `json:"duration,omitempty"`
}

// JobFailed reports a failed encode. Retriable is false only when the
// failure came from an explicit cancellation.
type JobFailed struct {
	JobID     string `json:"jobId"`
	Error     string `json:"error"`
	Retriable bool   `json:"retriable"`
}

// JobCancel asks the encoder to abort a running job.
type JobCancel struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// ServerShutdown warns encoders the dispatcher is going away. A non-zero
// ReconnectDelay overrides the encoder's reconnect base interval.
type ServerShutdown struct {
	ReconnectDelay time.Duration `json:"reconnectDelay,omitempty"`
}
