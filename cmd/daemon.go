package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/jfmyers9/deadair/internal/broadcast"
	"github.com/jfmyers9/deadair/internal/config"
	"github.com/jfmyers9/deadair/internal/daemon"
	"github.com/jfmyers9/deadair/internal/pipeline"
	"github.com/jfmyers9/deadair/internal/playlist"
	"github.com/jfmyers9/deadair/internal/song"
	"github.com/jfmyers9/deadair/internal/supervisor"
	"github.com/jfmyers9/deadair/internal/watchdog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	daemonLogFile  string
	daemonLogLevel string
	daemonDataDir  string
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the broadcast daemon",
	Long: `Run the daemon that keeps the broadcast on the air.

The daemon will:
- Start the broadcast app and wait for it to come up
- Build a shuffled playlist from the configured source directories
- Pipe the playlist through ffmpeg into the player
- Restart crashed processes and recover stalled or skipping playback
- Rebuild the playlist when it is played out, stale or due for refresh
- Handle graceful shutdown on SIGINT/SIGTERM

The daemon runs in the foreground and logs to stderr by default.
Use the --log-file flag to log to a file (useful for systemd).`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	// Command-line flags
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "Log file path (default: stderr)")
	daemonCmd.Flags().StringVar(&daemonLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	daemonCmd.Flags().StringVar(&daemonDataDir, "data-dir", "", "Data directory for playlist, status and history (default: ~/.local/share/deadair)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if daemonDataDir != "" {
		cfg.DataDir = daemonDataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := setupLogger(daemonLogFile, daemonLogLevel)

	logger.Info().
		Str("version", version).
		Strs("sources", cfg.Sources).
		Msg("Starting deadair daemon")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger.Info().Str("data_dir", cfg.DataDir).Msg("Using data directory")

	history, err := playlist.NewHistory(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open play history: %w", err)
	}
	defer history.Close()

	launcher := &supervisor.ExecLauncher{
		Pipeline: pipeline.Config{
			FFmpeg:     cfg.Binaries.FFmpeg,
			FFplay:     cfg.Binaries.FFplay,
			Playlist:   cfg.PlaylistPath(),
			Extensions: cfg.Extensions,
		},
		Broadcast:     cfg.Binaries.Broadcast,
		BroadcastArgs: cfg.Broadcast.Args,
		Logger:        logger,
	}

	deps := daemon.Deps{
		Launcher: launcher,
		Table:    supervisor.NewSystemTable(logger),
		Prober:   song.NewFFProbe(cfg.Binaries.FFprobe),
		Verifier: playlist.NewProbeVerifier(cfg.Binaries.FFprobe),
		History:  history,
	}
	if cfg.Broadcast.WebsocketURL != "" {
		deps.Stream = broadcast.New(cfg.Broadcast.WebsocketURL, cfg.Broadcast.Password, logger)
	}

	broadcastName := supervisor.ProcessName(cfg.Binaries.Broadcast)

	daemonCfg := daemon.Config{
		Sources:              cfg.Sources,
		Extensions:           cfg.Extensions,
		PlaylistPath:         cfg.PlaylistPath(),
		StatusPath:           cfg.StatusPath(),
		SocketPath:           cfg.SocketPath(),
		MetricsAddr:          cfg.MetricsAddr,
		PollInterval:         cfg.Watchdog.PollInterval,
		RefreshInterval:      cfg.RefreshInterval,
		CommandProbeInterval: cfg.CommandProbeInterval,
		StartupRetries:       cfg.Supervisor.StartupRetries,
		StartupDelay:         cfg.Supervisor.StartupDelay,
		SettleDelay:          cfg.Supervisor.SettleDelay,
		Binaries: map[string]string{
			"ffmpeg":    cfg.Binaries.FFmpeg,
			"ffprobe":   cfg.Binaries.FFprobe,
			"ffplay":    cfg.Binaries.FFplay,
			"broadcast": cfg.Binaries.Broadcast,
		},
		OrphanNames: []string{
			supervisor.ProcessName(cfg.Binaries.FFmpeg),
			supervisor.ProcessName(cfg.Binaries.FFplay),
			broadcastName,
		},
		WatchSources: true,
		Watchdog: watchdog.Config{
			Timeout:   cfg.Watchdog.Timeout,
			MaxSkips:  cfg.Watchdog.MaxSkips,
			SkipGrace: cfg.Watchdog.SkipGrace,
		},
		Supervisor: supervisor.Config{
			Interval: cfg.Supervisor.Interval,
			Backoff: supervisor.Backoff{
				Step: cfg.Supervisor.BackoffStep,
				Cap:  cfg.Supervisor.BackoffCap,
			},
			RegenerateAfter: cfg.Supervisor.RegenerateAfter,
			StartAttempts:   cfg.Supervisor.StartAttempts,
			StartPoll:       cfg.Supervisor.StartPoll,
			StopGrace:       cfg.Supervisor.StopGrace,
			BroadcastName:   broadcastName,
		},
	}

	d, err := daemon.New(daemonCfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Run daemon (blocks until shutdown signal)
	if err := d.Run(); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// setupLogger creates a logger with the specified configuration
func setupLogger(logFile, logLevel string) zerolog.Logger {
	// Parse log level
	level := zerolog.InfoLevel
	switch logLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	// Set up output
	var output *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			output = os.Stderr
		} else {
			output = f
		}
	} else {
		output = os.Stderr
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	// Use pretty console output if logging to stderr
	if output == os.Stderr {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}
