package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jfmyers9/deadair/internal/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval        = 5 * time.Second
	DefaultRegenerateAfter = 3
	DefaultStartAttempts   = 5
	DefaultStartPoll       = 2 * time.Second
	DefaultStopGrace       = 5 * time.Second
)

// Config holds supervisor settings
type Config struct {
	Interval        time.Duration // Crash check period
	Backoff         Backoff       // Delay before restarting a crashed pipeline
	RegenerateAfter int           // Failed restarts before the playlist is rebuilt
	StartAttempts   int           // Liveness polls after launching the broadcast app
	StartPoll       time.Duration // Spacing between liveness polls
	StopGrace       time.Duration // Wait after interrupt before killing
	BroadcastName   string        // Process name of the broadcast app
}

// StreamController stops the outgoing stream through the broadcast app's
// control protocol
type StreamController interface {
	Connected() bool
	StopStream(ctx context.Context) error
}

// Hooks are optional callbacks fired by the supervisor
type Hooks struct {
	// OnPipelineStarted receives every newly started pipeline; the caller
	// must drain its Events
	OnPipelineStarted func(Pipeline)
	// OnRestart fires after each restart attempt
	OnRestart func(process string, err error)
	// OnRegenerate fires when repeated failures force a playlist rebuild
	OnRegenerate func()
}

// Status is a snapshot of supervised process state
type Status struct {
	PipelineRunning  bool
	PipelinePid      int
	BroadcastRunning bool
	BroadcastPid     int
	Failures         int
}

// Supervisor owns the lifecycle of the playback pipeline and the broadcast
// app. Lifecycle operations are serialized; it is safe for concurrent use.
type Supervisor struct {
	cfg        Config
	launcher   Launcher
	table      ProcessTable
	regenerate func(context.Context) error
	stream     StreamController
	hooks      Hooks
	clock      clock.Clock
	logger     zerolog.Logger

	// opMu serializes start, restart and shutdown
	opMu sync.Mutex
	wake chan struct{}

	mu            sync.Mutex
	pipeline      Pipeline
	broadcast     Process
	wantPipeline  bool
	wantBroadcast bool
	failures      int
}

// New creates a Supervisor. regenerate rebuilds the playlist; stream may be
// nil when the broadcast app has no control connection.
func New(cfg Config, launcher Launcher, table ProcessTable, regenerate func(context.Context) error, stream StreamController, hooks Hooks, clk clock.Clock, logger zerolog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.RegenerateAfter <= 0 {
		cfg.RegenerateAfter = DefaultRegenerateAfter
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = DefaultStartAttempts
	}
	if cfg.StartPoll <= 0 {
		cfg.StartPoll = DefaultStartPoll
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Supervisor{
		cfg:        cfg,
		launcher:   launcher,
		table:      table,
		regenerate: regenerate,
		stream:     stream,
		hooks:      hooks,
		clock:      clk,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		wake:       make(chan struct{}, 1),
	}
}

// StartPipeline launches the playback pipeline, replacing any existing one
func (s *Supervisor) StartPipeline(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startPipelineLocked(ctx)
}

func (s *Supervisor) startPipelineLocked(ctx context.Context) error {
	s.mu.Lock()
	s.wantPipeline = true
	prev := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	// Either stage may have exited alone; Terminate stops the survivor
	if prev != nil {
		if err := prev.Terminate(s.cfg.StopGrace); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop previous pipeline")
		}
	}

	p, err := s.launcher.StartPipeline(ctx)
	if err != nil {
		return &ProcessLaunchError{Process: "pipeline", Err: err}
	}

	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()

	s.logger.Info().Int("pid", p.Pid()).Msg("Pipeline started")

	if s.hooks.OnPipelineStarted != nil {
		s.hooks.OnPipelineStarted(p)
	}
	return nil
}

// StartBroadcast kills any running instance of the broadcast app, launches a
// new one and waits for it to appear in the process table
func (s *Supervisor) StartBroadcast(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startBroadcastLocked(ctx)
}

func (s *Supervisor) startBroadcastLocked(ctx context.Context) error {
	s.mu.Lock()
	s.wantBroadcast = true
	prev := s.broadcast
	s.broadcast = nil
	s.mu.Unlock()

	// Either stage may have exited alone; Terminate stops the survivor
	if prev != nil {
		if err := prev.Terminate(s.cfg.StopGrace); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop previous broadcast app")
		}
	}

	if s.cfg.BroadcastName != "" {
		killed, err := s.table.KillByName(ctx, s.cfg.BroadcastName)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to clear existing broadcast instances")
		} else if killed > 0 {
			s.logger.Info().Int("killed", killed).Msg("Terminated existing broadcast instances")
		}
	}

	proc, err := s.launcher.StartBroadcast(ctx)
	if err != nil {
		return &ProcessLaunchError{Process: "broadcast", Err: err}
	}

	for attempt := 1; attempt <= s.cfg.StartAttempts; attempt++ {
		select {
		case <-ctx.Done():
			_ = proc.Terminate(s.cfg.StopGrace)
			return ctx.Err()
		case <-s.clock.After(s.cfg.StartPoll):
		}

		if proc.Exited() {
			s.logger.Warn().
				Int("attempt", attempt).
				Str("diagnostics", proc.Diagnostics()).
				Msg("Broadcast app exited during startup")
			return &ProcessLaunchError{Process: "broadcast", Err: errors.New("exited during startup")}
		}

		alive := s.cfg.BroadcastName == ""
		if !alive {
			alive, err = s.table.IsRunning(ctx, s.cfg.BroadcastName)
			if err != nil {
				s.logger.Debug().Err(err).Int("attempt", attempt).Msg("Liveness check failed")
			}
		}
		if alive {
			s.mu.Lock()
			s.broadcast = proc
			s.mu.Unlock()

			s.logger.Info().
				Int("pid", proc.Pid()).
				Int("attempt", attempt).
				Msg("Broadcast app started")
			return nil
		}
	}

	_ = proc.Terminate(s.cfg.StopGrace)
	return &ProcessLaunchError{
		Process: "broadcast",
		Err:     fmt.Errorf("not running after %d checks", s.cfg.StartAttempts),
	}
}

// Run checks for crashed processes every Interval until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check restarts a crashed pipeline after a backoff delay and a crashed
// broadcast app immediately. Processes stopped by Shutdown are left alone.
func (s *Supervisor) Check(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.checkPipeline(ctx)
	s.checkBroadcast(ctx)
}

func (s *Supervisor) checkPipeline(ctx context.Context) {
	s.mu.Lock()
	want := s.wantPipeline
	p := s.pipeline
	failures := s.failures
	s.mu.Unlock()

	if !want || (p != nil && !p.Exited()) {
		return
	}

	if p != nil {
		s.logger.Warn().
			Int("failures", failures).
			Str("diagnostics", p.Diagnostics()).
			Msg("Pipeline exited")
	}

	delay := s.cfg.Backoff.Delay(failures)
	s.logger.Info().
		Dur("delay", delay).
		Int("failures", failures).
		Msg("Restarting pipeline")

	// Drop a wake left over from an earlier shutdown
	select {
	case <-s.wake:
	default:
	}

	select {
	case <-ctx.Done():
		return
	case <-s.wake:
		s.logger.Debug().Msg("Restart cancelled by shutdown")
		return
	case <-s.clock.After(delay):
	}

	err := s.startPipelineLocked(ctx)

	s.mu.Lock()
	if err == nil {
		s.failures = 0
	} else {
		s.failures++
	}
	failures = s.failures
	regenerate := s.failures >= s.cfg.RegenerateAfter
	if regenerate {
		s.failures = 0
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Int("failures", failures).Msg("Pipeline restart failed")
	}
	if s.hooks.OnRestart != nil {
		s.hooks.OnRestart("pipeline", err)
	}

	if regenerate {
		s.logger.Warn().Int("failures", failures).Msg("Repeated pipeline failures, regenerating playlist")
		if s.hooks.OnRegenerate != nil {
			s.hooks.OnRegenerate()
		}
		if s.regenerate != nil {
			if err := s.regenerate(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Playlist regeneration failed")
			}
		}
	}
}

func (s *Supervisor) checkBroadcast(ctx context.Context) {
	s.mu.Lock()
	want := s.wantBroadcast
	b := s.broadcast
	s.mu.Unlock()

	if !want || (b != nil && !b.Exited()) {
		return
	}

	if b != nil {
		s.logger.Warn().Str("diagnostics", b.Diagnostics()).Msg("Broadcast app exited, restarting")
	}

	err := s.startBroadcastLocked(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Broadcast restart failed")
	}
	if s.hooks.OnRestart != nil {
		s.hooks.OnRestart("broadcast", err)
	}
}

// Shutdown stops the stream, terminates both processes and forgets them.
// Stopped processes are not restarted by Check until started again. It is
// safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	// Abort a pending backoff wait so shutdown is not delayed by it
	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.wantPipeline = false
	s.wantBroadcast = false
	p := s.pipeline
	b := s.broadcast
	s.pipeline = nil
	s.broadcast = nil
	s.mu.Unlock()

	var errs []error

	if s.stream != nil && s.stream.Connected() {
		if err := s.stream.StopStream(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Stream stop request failed, terminating broadcast app")
			if b != nil {
				errs = append(errs, b.Terminate(s.cfg.StopGrace))
			}
		} else {
			s.logger.Info().Msg("Stream stopped")
		}
	} else if b != nil {
		errs = append(errs, b.Terminate(s.cfg.StopGrace))
	}

	if p != nil {
		errs = append(errs, p.Terminate(s.cfg.StopGrace))
	}

	if p != nil || b != nil {
		s.logger.Info().Msg("Processes shut down")
	}

	return errors.Join(errs...)
}

// KillOrphans terminates stray instances of the given programs left over
// from an earlier run
func (s *Supervisor) KillOrphans(ctx context.Context, names ...string) {
	if len(names) == 0 {
		return
	}
	killed, err := s.table.KillByName(ctx, names...)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to scan for orphaned processes")
		return
	}
	if killed > 0 {
		s.logger.Info().Int("killed", killed).Strs("names", names).Msg("Killed orphaned processes")
	}
}

// Failures returns the consecutive failed pipeline restarts
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Status returns a snapshot of the supervised processes
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Failures: s.failures}
	if s.pipeline != nil && !s.pipeline.Exited() {
		st.PipelineRunning = true
		st.PipelinePid = s.pipeline.Pid()
	}
	if s.broadcast != nil && !s.broadcast.Exited() {
		st.BroadcastRunning = true
		st.BroadcastPid = s.broadcast.Pid()
	}
	return st
}
