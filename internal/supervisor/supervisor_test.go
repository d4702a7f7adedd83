package supervisor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jfmyers9/deadair/internal/clock"
	"github.com/jfmyers9/deadair/internal/pipeline"
	"github.com/rs/zerolog"
)

type fakeProcess struct {
	mu         sync.Mutex
	pid        int
	done       chan struct{}
	exited     bool
	terminated int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		close(p.done)
	}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	p.terminated++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Terminated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) Pid() int            { return p.pid }
func (p *fakeProcess) Diagnostics() string { return "fake diagnostics" }

type fakePipeline struct {
	*fakeProcess
	events chan pipeline.Event
}

func (p *fakePipeline) Events() <-chan pipeline.Event { return p.events }

type fakeLauncher struct {
	mu            sync.Mutex
	pipelineErr   error
	broadcastErr  error
	pipelines     []*fakePipeline
	broadcasts    []*fakeProcess
	nextPid       int
	broadcastDies bool
}

func (l *fakeLauncher) StartPipeline(ctx context.Context) (Pipeline, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pipelineErr != nil {
		return nil, l.pipelineErr
	}
	l.nextPid++
	p := &fakePipeline{fakeProcess: newFakeProcess(l.nextPid), events: make(chan pipeline.Event)}
	l.pipelines = append(l.pipelines, p)
	return p, nil
}

func (l *fakeLauncher) StartBroadcast(ctx context.Context) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broadcastErr != nil {
		return nil, l.broadcastErr
	}
	l.nextPid++
	p := newFakeProcess(l.nextPid)
	if l.broadcastDies {
		p.exit()
	}
	l.broadcasts = append(l.broadcasts, p)
	return p, nil
}

func (l *fakeLauncher) setPipelineErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pipelineErr = err
}

type fakeTable struct {
	mu         sync.Mutex
	killed     [][]string
	aliveAfter int // IsRunning returns true from this call on; 0 means never
	checks     int
}

func (t *fakeTable) KillByName(ctx context.Context, names ...string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = append(t.killed, names)
	return 0, nil
}

func (t *fakeTable) IsRunning(ctx context.Context, name string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks++
	return t.aliveAfter > 0 && t.checks >= t.aliveAfter, nil
}

type fakeStream struct {
	connected bool
	err       error
	stops     int
}

func (s *fakeStream) Connected() bool { return s.connected }

func (s *fakeStream) StopStream(ctx context.Context) error {
	s.stops++
	return s.err
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	table    *fakeTable
	clock    *clock.Fake
	regens   int
	started  []Pipeline
}

func newHarness(t *testing.T, stream StreamController) *harness {
	t.Helper()

	h := &harness{
		launcher: &fakeLauncher{},
		table:    &fakeTable{aliveAfter: 1},
		clock:    clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	regenerate := func(context.Context) error {
		h.regens++
		return nil
	}
	hooks := Hooks{
		OnPipelineStarted: func(p Pipeline) { h.started = append(h.started, p) },
	}
	h.sup = New(Config{BroadcastName: "obs"}, h.launcher, h.table, regenerate, stream, hooks, h.clock, zerolog.Nop())
	return h
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{14, 28 * time.Second},
		{15, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestCheck_BackoffAndRegenerate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sup.StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	if len(h.started) != 1 {
		t.Fatalf("OnPipelineStarted fired %d times", len(h.started))
	}

	// Healthy pipeline: nothing to do
	h.sup.Check(ctx)
	if len(h.clock.Sleeps()) != 0 {
		t.Fatalf("unexpected sleeps: %v", h.clock.Sleeps())
	}

	h.launcher.pipelines[0].exit()
	h.launcher.setPipelineErr(errors.New("boom"))

	for i := 0; i < 3; i++ {
		h.sup.Check(ctx)
	}

	want := []time.Duration{0, 2 * time.Second, 4 * time.Second}
	if got := h.clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if h.regens != 1 {
		t.Errorf("regenerations = %d, want 1", h.regens)
	}
	if h.sup.Failures() != 0 {
		t.Errorf("Failures = %d, want 0 after regeneration", h.sup.Failures())
	}

	// Counter restarts from zero
	h.sup.Check(ctx)
	if got := h.clock.Sleeps(); got[len(got)-1] != 0 {
		t.Errorf("sleep after regeneration = %v, want 0", got[len(got)-1])
	}
	if h.sup.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", h.sup.Failures())
	}
	if h.regens != 1 {
		t.Errorf("regenerations = %d, want 1", h.regens)
	}
}

func TestCheck_SuccessfulRestartResetsFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sup.StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	h.launcher.pipelines[0].exit()
	h.launcher.setPipelineErr(errors.New("boom"))

	h.sup.Check(ctx)
	h.sup.Check(ctx)
	if h.sup.Failures() != 2 {
		t.Fatalf("Failures = %d, want 2", h.sup.Failures())
	}

	h.launcher.setPipelineErr(nil)
	h.sup.Check(ctx)
	if h.sup.Failures() != 0 {
		t.Errorf("Failures = %d, want 0", h.sup.Failures())
	}
	if !h.sup.Status().PipelineRunning {
		t.Error("pipeline not running after successful restart")
	}
	if len(h.started) != 2 {
		t.Errorf("OnPipelineStarted fired %d times, want 2", len(h.started))
	}
	if h.regens != 0 {
		t.Errorf("regenerations = %d, want 0", h.regens)
	}
}

func TestStartPipeline_LaunchError(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.setPipelineErr(errors.New("exec: not found"))

	err := h.sup.StartPipeline(context.Background())
	var launchErr *ProcessLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	if launchErr.Process != "pipeline" {
		t.Errorf("Process = %q", launchErr.Process)
	}
}

func TestStartBroadcast_PollsUntilAlive(t *testing.T) {
	h := newHarness(t, nil)
	h.table.aliveAfter = 3

	if err := h.sup.StartBroadcast(context.Background()); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}

	want := []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}
	if got := h.clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if len(h.table.killed) != 1 || h.table.killed[0][0] != "obs" {
		t.Errorf("prior instances not killed: %v", h.table.killed)
	}
	if !h.sup.Status().BroadcastRunning {
		t.Error("broadcast not running")
	}
}

func TestStartBroadcast_NeverAlive(t *testing.T) {
	h := newHarness(t, nil)
	h.table.aliveAfter = 0

	err := h.sup.StartBroadcast(context.Background())
	var launchErr *ProcessLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	if got := len(h.clock.Sleeps()); got != DefaultStartAttempts {
		t.Errorf("polled %d times, want %d", got, DefaultStartAttempts)
	}
	if h.launcher.broadcasts[0].Terminated() != 1 {
		t.Error("failed broadcast app not terminated")
	}
}

func TestStartBroadcast_ExitsDuringStartup(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.broadcastDies = true

	err := h.sup.StartBroadcast(context.Background())
	if !errors.As(err, new(*ProcessLaunchError)) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	if got := len(h.clock.Sleeps()); got != 1 {
		t.Errorf("polled %d times, want 1", got)
	}
}

func TestCheck_BroadcastRestartsWithoutBackoff(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sup.StartBroadcast(ctx); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}
	before := len(h.clock.Sleeps())

	h.launcher.broadcasts[0].exit()
	h.sup.Check(ctx)

	if len(h.launcher.broadcasts) != 2 {
		t.Fatalf("expected a second broadcast launch, got %d", len(h.launcher.broadcasts))
	}
	// Only the liveness poll, no backoff delay
	sleeps := h.clock.Sleeps()[before:]
	if !reflect.DeepEqual(sleeps, []time.Duration{2 * time.Second}) {
		t.Errorf("sleeps = %v", sleeps)
	}
}

func TestShutdown(t *testing.T) {
	t.Run("terminates when not connected", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()

		if err := h.sup.StartBroadcast(ctx); err != nil {
			t.Fatalf("StartBroadcast: %v", err)
		}
		if err := h.sup.StartPipeline(ctx); err != nil {
			t.Fatalf("StartPipeline: %v", err)
		}

		if err := h.sup.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		if h.launcher.broadcasts[0].Terminated() != 1 {
			t.Error("broadcast not terminated")
		}
		if h.launcher.pipelines[0].Terminated() != 1 {
			t.Error("pipeline not terminated")
		}
		st := h.sup.Status()
		if st.PipelineRunning || st.BroadcastRunning {
			t.Errorf("handles not cleared: %+v", st)
		}

		// Idempotent, and Check does not resurrect stopped processes
		if err := h.sup.Shutdown(ctx); err != nil {
			t.Fatalf("second Shutdown: %v", err)
		}
		h.sup.Check(ctx)
		if len(h.launcher.pipelines) != 1 || len(h.launcher.broadcasts) != 1 {
			t.Error("Check restarted processes after Shutdown")
		}
	})

	t.Run("stops stream when connected", func(t *testing.T) {
		stream := &fakeStream{connected: true}
		h := newHarness(t, stream)
		ctx := context.Background()

		if err := h.sup.StartBroadcast(ctx); err != nil {
			t.Fatalf("StartBroadcast: %v", err)
		}
		if err := h.sup.StartPipeline(ctx); err != nil {
			t.Fatalf("StartPipeline: %v", err)
		}

		if err := h.sup.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		if stream.stops != 1 {
			t.Errorf("StopStream called %d times, want 1", stream.stops)
		}
		if h.launcher.broadcasts[0].Terminated() != 0 {
			t.Error("broadcast terminated despite protocol stop")
		}
		if h.launcher.pipelines[0].Terminated() != 1 {
			t.Error("pipeline not terminated")
		}
	})

	t.Run("falls back to terminate when stop fails", func(t *testing.T) {
		stream := &fakeStream{connected: true, err: errors.New("closed")}
		h := newHarness(t, stream)
		ctx := context.Background()

		if err := h.sup.StartBroadcast(ctx); err != nil {
			t.Fatalf("StartBroadcast: %v", err)
		}
		if err := h.sup.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		if h.launcher.broadcasts[0].Terminated() != 1 {
			t.Error("broadcast not terminated after failed stop")
		}
	})
}

func TestStartPipeline_ReplacesRunning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sup.StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	if err := h.sup.StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	if h.launcher.pipelines[0].Terminated() != 1 {
		t.Error("previous pipeline not terminated")
	}
	if got := h.sup.Status().PipelinePid; got != h.launcher.pipelines[1].Pid() {
		t.Errorf("PipelinePid = %d, want %d", got, h.launcher.pipelines[1].Pid())
	}
}

func TestStartPipeline_TerminatesExitedPipeline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.sup.StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}

	// One stage died; the other may still be running
	h.launcher.pipelines[0].exit()

	if err := h.sup.StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	if got := h.launcher.pipelines[0].Terminated(); got != 1 {
		t.Errorf("exited pipeline terminated %d times, want 1", got)
	}
}

func TestKillOrphans(t *testing.T) {
	h := newHarness(t, nil)
	h.sup.KillOrphans(context.Background(), "ffmpeg", "ffplay")

	if len(h.table.killed) != 1 || !reflect.DeepEqual(h.table.killed[0], []string{"ffmpeg", "ffplay"}) {
		t.Errorf("killed = %v", h.table.killed)
	}
}

func TestProcessName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/usr/bin/obs", "obs"},
		{"obs64.exe", "obs64"},
		{"FFmpeg", "ffmpeg"},
	}
	for _, tt := range tests {
		if got := ProcessName(tt.in); got != tt.want {
			t.Errorf("ProcessName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCheckBinaries(t *testing.T) {
	if err := CheckBinaries(map[string]string{"shell": "sh"}); err != nil {
		t.Errorf("CheckBinaries(sh): %v", err)
	}

	err := CheckBinaries(map[string]string{"transcoder": "deadair-no-such-binary"})
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Errorf("expected ErrBinaryNotFound, got %v", err)
	}
}
