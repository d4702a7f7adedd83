package supervisor

import (
	"context"
	"time"

	"github.com/jfmyers9/deadair/internal/pipeline"
	"github.com/rs/zerolog"
)

// Process is a handle on a running external program
type Process interface {
	Done() <-chan struct{}
	Exited() bool
	Terminate(grace time.Duration) error
	Pid() int
	Diagnostics() string
}

// Pipeline is a playback pipeline handle with classified output
type Pipeline interface {
	Process
	Events() <-chan pipeline.Event
}

// Launcher starts the managed external processes
type Launcher interface {
	StartPipeline(ctx context.Context) (Pipeline, error)
	StartBroadcast(ctx context.Context) (Process, error)
}

// ExecLauncher launches real binaries
type ExecLauncher struct {
	Pipeline      pipeline.Config
	Broadcast     string
	BroadcastArgs []string
	Logger        zerolog.Logger
}

// StartPipeline implements Launcher
func (l *ExecLauncher) StartPipeline(ctx context.Context) (Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := pipeline.StartPlayback(l.Pipeline, l.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// StartBroadcast implements Launcher
func (l *ExecLauncher) StartBroadcast(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := pipeline.Start(pipeline.Command{
		Name: "broadcast",
		Path: l.Broadcast,
		Args: l.BroadcastArgs,
	}, l.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}
