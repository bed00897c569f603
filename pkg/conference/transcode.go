package conference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// FFmpegTranscoder implements Transcoder by shelling out to the ffmpeg
// binary. It exists for the conditional conversion pass on recordings whose
// audio codec plays back poorly outside browsers; a conversion failure is
// reported to the pipeline, which then distributes the original artifact.
type FFmpegTranscoder struct {
	// BinaryPath overrides the ffmpeg binary. Default: "ffmpeg" on PATH.
	BinaryPath string

	// Timeout bounds one conversion. Default: 5m.
	Timeout time.Duration

	Logger Logger
}

// NewFFmpegTranscoder builds a transcoder with defaults applied.
func NewFFmpegTranscoder(logger Logger) *FFmpegTranscoder {
	if logger == nil {
		logger = defaultLogger()
	}
	return &FFmpegTranscoder{
		BinaryPath: "ffmpeg",
		Timeout:    5 * time.Minute,
		Logger:     logger,
	}
}

// CheckInstallation verifies ffmpeg is installed and accessible.
func (t *FFmpegTranscoder) CheckInstallation() error {
	if err := exec.Command(t.binary(), "-version").Run(); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	return nil
}

// Convert re-encodes data from the source profile to the target profile and
// returns the converted artifact. The input and output travel through temp
// files because ffmpeg needs seekable containers on both sides.
func (t *FFmpegTranscoder) Convert(ctx context.Context, data []byte, source, target CodecProfile) ([]byte, error) {
	dir, err := os.MkdirTemp("", "trial-transcode-*")
	if err != nil {
		return nil, fmt.Errorf("create transcode workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input."+source.Extension)
	out := filepath.Join(dir, "output."+target.Extension)
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("write transcode input: %w", err)
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	args := t.buildArgs(in, out, target)
	cmd := exec.CommandContext(ctx, t.binary(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	t.Logger.Info("converting recording",
		"from", source.EncodingMimeType(), "to", target.EncodingMimeType(), "bytes", len(data))

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg conversion failed: %w: %s", err, tail(stderr.String(), 512))
	}

	converted, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read transcode output: %w", err)
	}
	return converted, nil
}

// buildArgs assembles the ffmpeg command line for the target profile.
func (t *FFmpegTranscoder) buildArgs(in, out string, target CodecProfile) []string {
	args := []string{"-y", "-i", in}
	switch target.VideoCodec() {
	case "h264":
		args = append(args, "-c:v", "libx264", "-preset", "fast")
	case "vp9":
		args = append(args, "-c:v", "libvpx-vp9")
	case "vp8":
		args = append(args, "-c:v", "libvpx")
	default:
		args = append(args, "-c:v", "copy")
	}
	switch target.AudioCodec() {
	case "aac":
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	case "opus":
		args = append(args, "-c:a", "libopus")
	default:
		args = append(args, "-c:a", "copy")
	}
	return append(args, out)
}

func (t *FFmpegTranscoder) binary() string {
	if t.BinaryPath != "" {
		return t.BinaryPath
	}
	return "ffmpeg"
}

// tail returns at most n trailing bytes of s, for bounded error messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
