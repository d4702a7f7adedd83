package playlist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Verifier checks that a concat file is usable by the transcoder
type Verifier interface {
	Verify(ctx context.Context, path string) error
}

// FileVerifier checks the concat file parses and every entry exists
type FileVerifier struct{}

// Verify implements Verifier
func (FileVerifier) Verify(ctx context.Context, path string) error {
	entries, err := ReadFile(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("playlist has no entries")
	}

	var missing []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(e); err != nil {
			missing = append(missing, e)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d of %d entries missing, first: %s", len(missing), len(entries), missing[0])
	}
	return nil
}

// ProbeVerifier runs the file checks and then asks ffprobe to open the
// playlist through the concat demuxer
type ProbeVerifier struct {
	Bin     string
	Timeout time.Duration
}

// NewProbeVerifier creates a ProbeVerifier for the given ffprobe binary
func NewProbeVerifier(bin string) *ProbeVerifier {
	if bin == "" {
		bin = "ffprobe"
	}
	return &ProbeVerifier{Bin: bin, Timeout: 10 * time.Second}
}

// Verify implements Verifier
func (v *ProbeVerifier) Verify(ctx context.Context, path string) error {
	if err := (FileVerifier{}).Verify(ctx, path); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.Bin,
		"-v", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", path,
	)

	if output, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("concat probe failed: %s", msg)
	}
	return nil
}
