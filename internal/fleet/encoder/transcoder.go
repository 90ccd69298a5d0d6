// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/fetcharr/fetcharr/internal/fleet/protocol"
)

// CommandTranscoder runs encodes by spawning an external binary,
// normally ffmpeg. Cancellation kills the process group through the
// exec context.
type CommandTranscoder struct {
	// Binary is the encoder executable, "ffmpeg" by default.
	Binary string
	// ExtraArgs are appended after the generated arguments.
	ExtraArgs []string
}

// Transcode builds the command line from the job's encoding config and
// blocks until the process exits or ctx is cancelled.
func (t *CommandTranscoder) Transcode(ctx context.Context, job protocol.JobAssign, progress func(protocol.JobProgress)) (protocol.JobComplete, error) {
	binary := t.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	start := time.Now()
	args := buildArgs(job)
	args = append(args, t.ExtraArgs...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return protocol.JobComplete{}, ctx.Err()
		}
		return protocol.JobComplete{}, fmt.Errorf("%s: %w", binary, err)
	}

	out, err := os.Stat(job.OutputPath)
	if err != nil {
		return protocol.JobComplete{}, fmt.Errorf("output missing after encode: %w", err)
	}
	in, _ := os.Stat(job.InputPath)

	result := protocol.JobComplete{
		JobID:      job.JobID,
		OutputPath: job.OutputPath,
		OutputSize: out.Size(),
		Duration:   time.Since(start).Seconds(),
	}
	if in != nil && in.Size() > 0 {
		result.CompressionRatio = float64(out.Size()) / float64(in.Size())
	}
	progress(protocol.JobProgress{JobID: job.JobID, Progress: 100})
	return result, nil
}

// buildArgs maps the wire-level encoding config onto an ffmpeg command
// line. Unknown fields are simply omitted.
func buildArgs(job protocol.JobAssign) []string {
	cfg := job.EncodingConfig
	args := []string{"-y", "-nostdin"}
	if cfg.HWAccel != "" {
		args = append(args, "-hwaccel", cfg.HWAccel)
	}
	args = append(args, "-i", job.InputPath)
	if cfg.Codec != "" {
		args = append(args, "-c:v", cfg.Codec)
	}
	if cfg.Preset != "" {
		args = append(args, "-preset", cfg.Preset)
	}
	if cfg.Quality > 0 {
		args = append(args, "-cq", strconv.Itoa(cfg.Quality))
	}
	if cfg.Resolution != "" {
		args = append(args, "-vf", "scale=-2:"+cfg.Resolution)
	}
	args = append(args, "-c:a", "copy", job.OutputPath)
	return args
}
