package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jfmyers9/deadair/internal/clock"
	"github.com/jfmyers9/deadair/internal/playlist"
	"github.com/jfmyers9/deadair/internal/song"
	"github.com/jfmyers9/deadair/internal/supervisor"
	"github.com/jfmyers9/deadair/internal/telemetry"
	"github.com/jfmyers9/deadair/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Defaults for unset Config fields
const (
	DefaultPollInterval         = 100 * time.Millisecond
	DefaultCommandProbeInterval = 3 * time.Second
	DefaultStartupRetries       = 3
	DefaultHistoryRetention     = 30 * 24 * time.Hour

	shutdownTimeout = 30 * time.Second
	errorBackoff    = time.Second
)

// Config holds daemon configuration
type Config struct {
	Sources      []string
	Extensions   []string
	PlaylistPath string // Concat file handed to the transcoder
	StatusPath   string // Now-playing status file; empty disables it
	SocketPath   string // Control socket; empty disables it
	MetricsAddr  string // HTTP listen address; empty disables it
	SessionID    string // Tags history rows; generated when empty

	PollInterval         time.Duration // Health check period
	RefreshInterval      time.Duration // Periodic playlist rebuild; 0 disables it
	CommandProbeInterval time.Duration // Broadcast app liveness probe period
	HistoryRetention     time.Duration // Age past which old cycles are pruned

	StartupRetries int           // Broadcast app launch attempts at startup
	StartupDelay   time.Duration // Wait between startup attempts
	SettleDelay    time.Duration // Wait after the broadcast app is up

	Binaries     map[string]string // Resolved at startup; empty skips the check
	OrphanNames  []string          // Process names killed at startup
	WatchSources bool              // Mark the playlist stale on source changes

	Watchdog   watchdog.Config
	Supervisor supervisor.Config
}

// Deps are the collaborators the daemon drives
type Deps struct {
	Launcher supervisor.Launcher
	Table    supervisor.ProcessTable
	Stream   StreamClient // Optional protocol control of the broadcast app
	Prober   song.Prober
	Verifier playlist.Verifier // Optional; defaults to a file check
	History  *playlist.History // Optional play history
	Registry *prometheus.Registry
	Clock    clock.Clock
}

// Daemon is the composition root. It wires the watchdog, playlist, current
// song and supervisor together, runs the health loop and observes pipeline
// output.
type Daemon struct {
	config     Config
	clock      clock.Clock
	watchdog   *watchdog.Watchdog
	playlist   *playlist.Playlist
	song       *song.Current
	supervisor *supervisor.Supervisor
	prober     *CommandProber
	stream     StreamClient
	table      supervisor.ProcessTable
	history    *playlist.History
	metrics    *telemetry.Metrics
	registry   *prometheus.Registry
	logger     zerolog.Logger

	// progress limits heartbeat handling to once per second
	progress rate.Sometimes

	running atomic.Bool
	paused  atomic.Bool
	// handoff is set when an exhausted playlist was rebuilt while the old
	// pipeline plays its last track
	handoff atomic.Bool

	statusMu sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	lastVerdict watchdog.Verdict

	wg        sync.WaitGroup
	observers sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a new Daemon instance
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Daemon, error) {
	if deps.Launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if deps.Table == nil {
		return nil, errors.New("process table is required")
	}
	if deps.Prober == nil {
		return nil, errors.New("metadata prober is required")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CommandProbeInterval <= 0 {
		cfg.CommandProbeInterval = DefaultCommandProbeInterval
	}
	if cfg.StartupRetries <= 0 {
		cfg.StartupRetries = DefaultStartupRetries
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultHistoryRetention
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	d := &Daemon{
		config:      cfg,
		clock:       clk,
		stream:      deps.Stream,
		table:       deps.Table,
		history:     deps.History,
		metrics:     telemetry.NewMetrics(reg),
		registry:    reg,
		logger:      logger.With().Str("component", "daemon").Logger(),
		progress:    rate.Sometimes{Interval: time.Second},
		lastVerdict: watchdog.Verdict{Healthy: true},
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.watchdog = watchdog.New(cfg.Watchdog, clk, logger)
	d.song = song.NewCurrent(deps.Prober, clk)
	d.playlist = playlist.New(playlist.Config{
		Path:       cfg.PlaylistPath,
		Sources:    cfg.Sources,
		Extensions: cfg.Extensions,
		SessionID:  cfg.SessionID,
	}, deps.History, deps.Verifier, logger)

	var stream supervisor.StreamController
	if deps.Stream != nil {
		stream = deps.Stream
	}
	d.supervisor = supervisor.New(cfg.Supervisor, deps.Launcher, deps.Table, d.regenerate, stream, supervisor.Hooks{
		OnPipelineStarted: d.pipelineStarted,
		OnRestart:         d.restarted,
		OnRegenerate: func() {
			d.metrics.Regenerations.WithLabelValues("failures").Inc()
		},
	}, clk, logger)

	d.prober = NewCommandProber(deps.Stream, deps.Table, cfg.Supervisor.BroadcastName, cfg.CommandProbeInterval, logger)

	d.metrics.SetHealthy(true)

	return d, nil
}

// Run starts the daemon and blocks until shutdown signal received
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Handle first signal gracefully, second signal forces exit
	go func() {
		<-sigChan
		d.logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Second signal forces exit
		<-sigChan
		d.logger.Warn().Msg("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	return d.Stop()
}

// Start performs the startup sequence and launches the background loops.
// It returns once playback has been started; fatal startup errors abort it.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	ctx = d.ctx
	d.mu.Unlock()

	d.logger.Info().
		Strs("sources", d.config.Sources).
		Str("session", d.config.SessionID).
		Msg("Starting daemon")

	if len(d.config.Binaries) > 0 {
		if err := supervisor.CheckBinaries(d.config.Binaries); err != nil {
			d.cancel()
			return err
		}
	}

	d.supervisor.KillOrphans(ctx, d.config.OrphanNames...)
	d.running.Store(true)

	if err := d.startBroadcast(ctx); err != nil {
		d.abort()
		return err
	}

	if err := d.rotate(ctx, "startup", false); err != nil {
		d.abort()
		return err
	}

	if err := d.supervisor.StartPipeline(ctx); err != nil {
		// Retried by the supervisor
		d.logger.Error().Err(err).Msg("Failed to start pipeline")
	}

	d.Play()

	if d.history != nil {
		if n, err := d.history.Cleanup(ctx, d.config.HistoryRetention); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to clean up play history")
		} else if n > 0 {
			d.logger.Info().Int64("deleted", n).Msg("Pruned play history")
		}
	}

	d.launch(ctx)

	d.logger.Info().Msg("All systems running")
	return nil
}

// launch starts every background loop
func (d *Daemon) launch(ctx context.Context) {
	d.goLoop(func() { d.supervisor.Run(ctx) })
	d.goLoop(func() { d.healthLoop(ctx) })
	d.goLoop(func() {
		if err := d.prober.Run(ctx, func() { d.command("probe") }); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("Command prober error")
		}
	})

	if d.config.RefreshInterval > 0 {
		d.goLoop(func() { d.refreshLoop(ctx) })
	}

	if d.config.WatchSources {
		w, err := playlist.NewWatcher(d.playlist, d.config.Sources, d.logger)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Source watcher unavailable")
		} else {
			d.goLoop(func() { w.Run(ctx) })
		}
	}

	if d.config.SocketPath != "" {
		srv := NewControlServer(d.config.SocketPath, d.HandleCommand, d.logger)
		if err := srv.Listen(); err != nil {
			d.logger.Error().Err(err).Msg("Control socket unavailable")
		} else {
			d.goLoop(func() {
				if err := srv.Run(ctx); err != nil {
					d.logger.Error().Err(err).Msg("Control socket error")
				}
			})
		}
	}

	if d.config.MetricsAddr != "" {
		srv := telemetry.NewServer(d.config.MetricsAddr, d.registry, d.Healthy, func() any { return d.Snapshot() }, d.logger)
		d.goLoop(func() {
			if err := srv.Run(ctx); err != nil {
				d.logger.Error().Err(err).Msg("HTTP server error")
			}
		})
	}
}

func (d *Daemon) goLoop(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Stop terminates the managed processes, stops every loop and clears the
// running flag. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info().Msg("Shutting down daemon")

		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()
		cancel()
		d.wg.Wait()

		ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		err = d.supervisor.Shutdown(ctx)
		d.running.Store(false)
		d.observers.Wait()

		d.watchdog.SetPlaying(false)
		d.metrics.SetPlaying(false)
		d.metrics.SetPipelineRunning(false)
		if d.stream != nil {
			d.stream.Close()
		}
		d.writeStatus()

		d.logger.Info().Msg("Daemon stopped")
	})
	return err
}

// abort undoes a partial startup
func (d *Daemon) abort() {
	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := d.supervisor.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to stop processes after startup failure")
	}
	d.running.Store(false)
	d.cancel()
}

// startBroadcast launches the broadcast app with retries, then gives it time
// to settle before playback begins
func (d *Daemon) startBroadcast(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= d.config.StartupRetries; attempt++ {
		if attempt > 1 {
			d.logger.Info().
				Int("attempt", attempt).
				Int("retries", d.config.StartupRetries).
				Dur("delay", d.config.StartupDelay).
				Msg("Retrying broadcast app startup")
			if err := d.sleep(ctx, d.config.StartupDelay); err != nil {
				return err
			}
		}

		if err = d.supervisor.StartBroadcast(ctx); err == nil {
			d.logger.Info().Dur("settle", d.config.SettleDelay).Msg("Waiting for broadcast app to initialize")
			return d.sleep(ctx, d.config.SettleDelay)
		}

		d.logger.Warn().Err(err).Int("attempt", attempt).Msg("Broadcast app failed to start")
	}
	return fmt.Errorf("broadcast app failed to start after %d attempts: %w", d.config.StartupRetries, err)
}

func (d *Daemon) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(dur):
		return nil
	}
}

// healthLoop evaluates the watchdog every PollInterval and recovers playback
// on an unhealthy verdict
func (d *Daemon) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !d.running.Load() {
			return
		}

		if err := d.safeCheck(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error().Err(err).Msg("Health check failed")
			if d.sleep(ctx, errorBackoff) != nil {
				return
			}
		}
	}
}

func (d *Daemon) safeCheck(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in health check: %v", r)
		}
	}()
	return d.checkHealth(ctx)
}

// checkHealth runs one health evaluation
func (d *Daemon) checkHealth(ctx context.Context) error {
	if !d.running.Load() {
		return nil
	}

	v := d.watchdog.CheckStatus()

	d.mu.Lock()
	d.lastVerdict = v
	d.mu.Unlock()

	d.metrics.SetHealthy(v.Healthy)
	d.metrics.SkipCount.Set(float64(v.SkipCount))

	if v.Healthy {
		return nil
	}

	d.logger.Warn().
		Str("reason", v.Reason.String()).
		Dur("command_age", v.CommandAge).
		Dur("now_playing_age", v.NowPlayingAge).
		Int("skip_count", v.SkipCount).
		Msg("Playback unhealthy, starting recovery")

	return d.recover(ctx, v.Reason.String())
}

// recover stops both processes, starts them again and resets the watchdog
func (d *Daemon) recover(ctx context.Context, reason string) error {
	start := d.clock.Now()
	d.metrics.Recoveries.WithLabelValues(reason).Inc()

	d.watchdog.SetPlaying(false)
	d.metrics.SetPlaying(false)

	if err := d.supervisor.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Errors while stopping processes")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if d.playlist.Stale() {
		if err := d.rotate(ctx, "stale", false); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to rebuild stale playlist")
		}
	}

	var errs []error
	if err := d.supervisor.StartPipeline(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.supervisor.StartBroadcast(ctx); err != nil {
		errs = append(errs, err)
	}

	d.watchdog.Reset()

	if err := errors.Join(errs...); err != nil {
		d.logger.Error().
			Err(err).
			Str("reason", reason).
			Dur("elapsed", d.clock.Now().Sub(start)).
			Int("failures", d.supervisor.Failures()).
			Msg("Recovery failed")
		return fmt.Errorf("recovery failed: %w", err)
	}

	if !d.paused.Load() {
		d.Play()
	}

	d.logger.Info().
		Str("reason", reason).
		Dur("elapsed", d.clock.Now().Sub(start)).
		Msg("Recovery complete")
	return nil
}

// refreshLoop rebuilds the playlist and restarts the pipeline every
// RefreshInterval
func (d *Daemon) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.logger.Info().Msg("Refreshing playlist")
			if err := d.rotate(ctx, "refresh", true); err != nil {
				d.logger.Error().Err(err).Msg("Playlist refresh failed")
			}
		}
	}
}

// rotate rebuilds the playlist and optionally restarts the pipeline on it
func (d *Daemon) rotate(ctx context.Context, trigger string, restart bool) error {
	d.metrics.Regenerations.WithLabelValues(trigger).Inc()

	if err := d.regenerate(ctx); err != nil {
		return err
	}

	if restart {
		return d.supervisor.StartPipeline(ctx)
	}
	return nil
}

// regenerate rebuilds and verifies the playlist. It never touches the
// supervisor, which calls it while holding its own lock.
func (d *Daemon) regenerate(ctx context.Context) error {
	if err := d.playlist.Generate(ctx); err != nil {
		return fmt.Errorf("failed to generate playlist: %w", err)
	}
	d.handoff.Store(false)
	d.observePlaylist()
	d.playlist.Verify(ctx)
	return nil
}

func (d *Daemon) observePlaylist() {
	played, total := d.playlist.Progress()
	d.metrics.PlaylistPlayed.Set(float64(played))
	d.metrics.PlaylistTracks.Set(float64(total))
}

// pipelineStarted is called by the supervisor for every new pipeline
func (d *Daemon) pipelineStarted(p supervisor.Pipeline) {
	d.metrics.SetPipelineRunning(true)

	// ffmpeg reads the concat file from the top on every start
	d.playlist.Rewind()
	d.observePlaylist()

	d.mu.Lock()
	ctx := d.ctx
	if ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.observers.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.observers.Done()
		d.observe(ctx, p)
	}()
}

// restarted is called by the supervisor after each crash restart attempt
func (d *Daemon) restarted(process string, err error) {
	d.metrics.ObserveRestart(process, err)
	if err == nil && d.running.Load() && !d.paused.Load() {
		d.Play()
	}
}

// Play enables health checks
func (d *Daemon) Play() {
	d.paused.Store(false)
	d.watchdog.SetPlaying(true)
	d.metrics.SetPlaying(true)
}

// Pause disables health checks until Play is called
func (d *Daemon) Pause() {
	d.paused.Store(true)
	d.watchdog.SetPlaying(false)
	d.metrics.SetPlaying(false)
}

// OnCommandReceived records that an external control command was processed
func (d *Daemon) OnCommandReceived() {
	d.watchdog.UpdateCommandTimestamp()
}

// OnNowPlayingSignal records a now-playing heartbeat
func (d *Daemon) OnNowPlayingSignal() {
	d.watchdog.UpdateNowPlayingTimestamp()
}

func (d *Daemon) command(source string) {
	d.metrics.Commands.WithLabelValues(source).Inc()
	d.OnCommandReceived()
}

// HandleCommand executes a control socket command
func (d *Daemon) HandleCommand(ctx context.Context, command string) Response {
	d.command("socket")

	resp := Response{OK: true}
	switch command {
	case CommandPing:
	case CommandPlay:
		d.Play()
		d.logger.Info().Msg("Health checks enabled")
	case CommandPause:
		d.Pause()
		d.logger.Info().Msg("Health checks paused")
	case CommandStatus:
		snap := d.Snapshot()
		resp.Status = &snap
	case CommandRestart:
		if !d.running.Load() {
			return Response{Error: "daemon is not running"}
		}
		if err := d.recover(ctx, "manual"); err != nil {
			return Response{Error: err.Error()}
		}
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", command)}
	}
	return resp
}

// Healthy reports the most recent health verdict
func (d *Daemon) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastVerdict.Healthy
}

// Snapshot captures the current keeper state
func (d *Daemon) Snapshot() Snapshot {
	info := d.song.Info()
	st := d.supervisor.Status()
	played, total := d.playlist.Progress()

	d.mu.Lock()
	v := d.lastVerdict
	d.mu.Unlock()

	state := StateStopped
	if st.PipelineRunning {
		state = StatePlaying
	}

	return Snapshot{
		State:            state,
		Title:            info.Title,
		Artist:           info.Artist,
		Album:            info.Album,
		Path:             info.Path,
		Remaining:        song.FormatClock(info.Remaining),
		Line:             d.song.StatusLine(),
		UpdatedAt:        d.clock.Now(),
		Running:          d.running.Load(),
		Playing:          d.watchdog.IsPlaying(),
		Healthy:          v.Healthy,
		Reason:           v.Reason.String(),
		SkipCount:        d.watchdog.SkipCount(),
		Played:           played,
		Total:            total,
		Stale:            d.playlist.Stale(),
		PipelineRunning:  st.PipelineRunning,
		PipelinePid:      st.PipelinePid,
		BroadcastRunning: st.BroadcastRunning,
		BroadcastPid:     st.BroadcastPid,
		Failures:         st.Failures,
	}
}

// writeStatus rewrites the status file
func (d *Daemon) writeStatus() {
	if d.config.StatusPath == "" {
		return
	}

	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	if err := WriteStatusFile(d.config.StatusPath, d.Snapshot()); err != nil {
		d.logger.Warn().Err(err).Str("path", d.config.StatusPath).Msg("Failed to write status file")
	}
}
