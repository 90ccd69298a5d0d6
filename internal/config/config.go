// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from FETCHARR_-prefixed
// environment variables with validated defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Dispatcher configures the pipeline daemon: storage, fleet listener,
// admin API and the scheduler sweep.
type Dispatcher struct {
	DataDir      string
	ListenAddr   string // fleet protocol listener
	APIAddr      string // admin HTTP listener
	TemplatePath string // optional pipeline template YAML, hot reloaded

	SweepInterval  time.Duration // scheduler poll cadence
	LivenessWindow time.Duration // encoder heartbeat staleness bound

	LogLevel string
}

// LoadDispatcher reads dispatcher configuration from the environment.
func LoadDispatcher() (Dispatcher, error) {
	cfg := Dispatcher{
		DataDir:        ParseString("FETCHARR_DATA_DIR", "/var/lib/fetcharr"),
		ListenAddr:     ParseString("FETCHARR_FLEET_LISTEN", ":9290"),
		APIAddr:        ParseString("FETCHARR_API_LISTEN", ":9291"),
		TemplatePath:   ParseString("FETCHARR_TEMPLATE_PATH", ""),
		SweepInterval:  ParseDuration("FETCHARR_SWEEP_INTERVAL", 15*time.Second),
		LivenessWindow: ParseDuration("FETCHARR_LIVENESS_WINDOW", 90*time.Second),
		LogLevel:       ParseString("FETCHARR_LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return Dispatcher{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Dispatcher) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("fleet listen address must not be empty")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("api listen address must not be empty")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("sweep interval %s too small, minimum 1s", c.SweepInterval)
	}
	if c.LivenessWindow < 10*time.Second {
		return fmt.Errorf("liveness window %s too small, minimum 10s", c.LivenessWindow)
	}
	return nil
}

// Encoder configures one fleet member process.
type Encoder struct {
	DispatcherAddr string
	EncoderID      string
	GPUDevice      string
	MaxConcurrent  int
	Capabilities   []string
	FFmpegBinary   string

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	DrainTimeout      time.Duration

	LogLevel string
}

// LoadEncoder reads encoder configuration from the environment.
func LoadEncoder() (Encoder, error) {
	cfg := Encoder{
		DispatcherAddr:    ParseString("FETCHARR_DISPATCHER_ADDR", "127.0.0.1:9290"),
		EncoderID:         ParseString("FETCHARR_ENCODER_ID", ""),
		GPUDevice:         ParseString("FETCHARR_GPU_DEVICE", "cuda:0"),
		MaxConcurrent:     ParseInt("FETCHARR_MAX_CONCURRENT", 1),
		FFmpegBinary:      ParseString("FETCHARR_FFMPEG_BINARY", "ffmpeg"),
		HeartbeatInterval: ParseDuration("FETCHARR_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBase:     ParseDuration("FETCHARR_RECONNECT_BASE", 5*time.Second),
		ReconnectMax:      ParseDuration("FETCHARR_RECONNECT_MAX", 60*time.Second),
		DrainTimeout:      ParseDuration("FETCHARR_DRAIN_TIMEOUT", 30*time.Second),
		LogLevel:          ParseString("FETCHARR_LOG_LEVEL", "info"),
	}
	if caps := ParseString("FETCHARR_CAPABILITIES", ""); caps != "" {
		cfg.Capabilities = splitComma(caps)
	}
	if err := cfg.Validate(); err != nil {
		return Encoder{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the encoder cannot run with.
func (c Encoder) Validate() error {
	if c.DispatcherAddr == "" {
		return fmt.Errorf("dispatcher address must not be empty")
	}
	if c.EncoderID == "" {
		return fmt.Errorf("encoder id must not be empty (set FETCHARR_ENCODER_ID)")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent %d must be at least 1", c.MaxConcurrent)
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("reconnect interval range %s..%s invalid", c.ReconnectBase, c.ReconnectMax)
	}
	return nil
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
