package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// ErrBinaryNotFound is returned when a required external program is not
// installed. It is fatal at startup.
var ErrBinaryNotFound = errors.New("required binary not found")

// ProcessLaunchError is returned when an external process fails to start or
// never reports itself alive. It is retried by the supervise loop.
type ProcessLaunchError struct {
	Process string
	Err     error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Process, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error {
	return e.Err
}

// CheckBinaries resolves every named binary on PATH (or as a direct path)
// and returns an error wrapping ErrBinaryNotFound listing the missing ones
func CheckBinaries(bins map[string]string) error {
	var missing []string
	for role, bin := range bins {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", role, bin))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrBinaryNotFound, strings.Join(missing, ", "))
}
