package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle stage of a Process
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const (
	maxTailLines = 50
	linesBuffer  = 256
)

// Command describes an external program to launch
type Command struct {
	Name   string // Label used in logs
	Path   string
	Args   []string
	Stdin  *os.File
	Stdout *os.File
	// WatchStderr delivers stderr lines on Lines(); otherwise they are only
	// kept in the diagnostic tail
	WatchStderr bool
}

// Process is a running external program whose stderr is captured into a
// bounded diagnostic tail
type Process struct {
	name   string
	cmd    *exec.Cmd
	logger zerolog.Logger
	tail   *LineRing

	lines chan string
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	mu        sync.RWMutex
	state     State
	startTime time.Time
	exitCode  int
	exitErr   error
}

// Start launches c. The returned Process is monitored until it exits.
func Start(c Command, logger zerolog.Logger) (*Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	if c.Stdin != nil {
		cmd.Stdin = c.Stdin
	}
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	p := &Process{
		name:   c.Name,
		cmd:    cmd,
		logger: logger.With().Str("process", c.Name).Logger(),
		tail:   NewLineRing(maxTailLines),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateStarting,
	}
	if c.WatchStderr {
		p.lines = make(chan string, linesBuffer)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.startTime = time.Now()
	p.state = StateRunning
	p.mu.Unlock()

	p.logger.Debug().
		Int("pid", cmd.Process.Pid).
		Str("path", c.Path).
		Strs("args", c.Args).
		Msg("Process started")

	readDone := make(chan struct{})
	go p.readStderr(stderr, readDone)
	go p.monitor(readDone)

	return p, nil
}

func (p *Process) readStderr(r io.Reader, readDone chan<- struct{}) {
	defer close(readDone)
	if p.lines != nil {
		defer close(p.lines)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(ScanLines)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.tail.Add(line)
		p.logger.Trace().Str("line", line).Msg("stderr")

		if p.lines == nil {
			continue
		}
		select {
		case p.lines <- line:
		case <-p.stop:
			// Nobody is reading anymore; keep draining into the tail
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Debug().Err(err).Msg("error reading stderr")
	}
}

func (p *Process) monitor(readDone <-chan struct{}) {
	// All reads must finish before Wait closes the pipe
	<-readDone
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
		}
		if p.state == StateStopping {
			p.state = StateStopped
		} else {
			p.state = StateFailed
		}
	} else {
		p.exitCode = 0
		p.state = StateStopped
	}
	state := p.state
	code := p.exitCode
	p.mu.Unlock()

	p.logger.Debug().
		Err(err).
		Int("exit_code", code).
		Str("state", string(state)).
		Msg("Process exited")

	close(p.done)
}

// Lines delivers stderr lines when the Command asked for them. The channel
// is closed once the process has closed its stderr. Returns nil otherwise.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// Done is closed after the process has exited and been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate interrupts the process and kills it if it has not exited
// within grace. It is safe to call more than once.
func (p *Process) Terminate(grace time.Duration) error {
	p.stopOnce.Do(func() { close(p.stop) })

	if p.Exited() {
		return nil
	}

	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateStopping
	}
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug().Err(err).Msg("failed to send interrupt signal")
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn().Dur("grace", grace).Msg("Graceful shutdown timeout, force killing")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", p.name, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("%s did not exit after kill", p.name)
	}
}

// Name returns the label given at start
func (p *Process) Name() string {
	return p.name
}

// Pid returns the operating system process id
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// State returns the current lifecycle stage
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// ExitCode returns the exit status, valid once Done is closed
func (p *Process) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

// Err returns the wait error, valid once Done is closed
func (p *Process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Uptime returns how long the process has been running
func (p *Process) Uptime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.startTime.IsZero() {
		return 0
	}
	return time.Since(p.startTime)
}

// Tail returns the most recent stderr lines
func (p *Process) Tail() []string {
	return p.tail.Lines()
}

// Diagnostics summarizes how the process ended, including its stderr tail
func (p *Process) Diagnostics() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (pid %d) state=%s", p.name, p.Pid(), p.State())
	if p.Exited() {
		fmt.Fprintf(&b, " exit_code=%d", p.ExitCode())
	}
	if tail := p.tail.String(); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return b.String()
}
