package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTable queries and signals processes system-wide by executable name
type ProcessTable interface {
	// KillByName kills every process whose name matches one of names and
	// returns how many were killed
	KillByName(ctx context.Context, names ...string) (int, error)
	// IsRunning reports whether any process with the given name exists
	IsRunning(ctx context.Context, name string) (bool, error)
}

// SystemTable implements ProcessTable over the host process list
type SystemTable struct {
	logger zerolog.Logger
}

// NewSystemTable creates a SystemTable
func NewSystemTable(logger zerolog.Logger) *SystemTable {
	return &SystemTable{logger: logger.With().Str("component", "proctable").Logger()}
}

// ProcessName normalizes a binary path or process name for matching
func ProcessName(bin string) string {
	name := strings.ToLower(filepath.Base(bin))
	return strings.TrimSuffix(name, ".exe")
}

func (t *SystemTable) matching(ctx context.Context, names []string) ([]*process.Process, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[ProcessName(n)] = true
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	self := int32(os.Getpid())
	var matched []*process.Process
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		// Processes can vanish between listing and inspection
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if want[ProcessName(name)] {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// KillByName implements ProcessTable
func (t *SystemTable) KillByName(ctx context.Context, names ...string) (int, error) {
	procs, err := t.matching(ctx, names)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, p := range procs {
		if err := p.KillWithContext(ctx); err != nil {
			t.logger.Debug().Err(err).Int32("pid", p.Pid).Msg("Failed to kill process")
			continue
		}
		t.logger.Info().Int32("pid", p.Pid).Msg("Killed existing process")
		killed++
	}
	return killed, nil
}

// IsRunning implements ProcessTable
func (t *SystemTable) IsRunning(ctx context.Context, name string) (bool, error) {
	procs, err := t.matching(ctx, []string{name})
	if err != nil {
		return false, err
	}
	return len(procs) > 0, nil
}
