package song

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MetadataProbeError is returned when the duration of a track cannot be
// determined. It is recoverable: the previous song display is kept.
type MetadataProbeError struct {
	Path string
	Err  error
}

func (e *MetadataProbeError) Error() string {
	return fmt.Sprintf("probe metadata for %q: %v", e.Path, e.Err)
}

func (e *MetadataProbeError) Unwrap() error {
	return e.Err
}

// Prober queries external metadata for a media file
type Prober interface {
	// Duration returns the playback duration of the file at path
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// FFProbe implements Prober using the ffprobe binary
type FFProbe struct {
	Bin     string        // Path or name of the ffprobe binary
	Timeout time.Duration // Upper bound for a single probe
}

// NewFFProbe creates a new ffprobe-backed prober
func NewFFProbe(bin string) *FFProbe {
	if bin == "" {
		bin = "ffprobe"
	}
	return &FFProbe{Bin: bin, Timeout: 10 * time.Second}
}

// Duration runs ffprobe and parses the format duration in seconds
func (p *FFProbe) Duration(ctx context.Context, path string) (time.Duration, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return 0, fmt.Errorf("ffprobe error: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return 0, fmt.Errorf("failed to execute ffprobe: %w", err)
	}

	return parseSeconds(string(output))
}

// parseSeconds converts ffprobe's decimal seconds output to a duration
func parseSeconds(output string) (time.Duration, error) {
	s := strings.TrimSpace(output)
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
