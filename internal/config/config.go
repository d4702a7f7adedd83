package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Directories scanned recursively for audio files
	Sources []string

	// Directory for the playlist, status file, history and control socket
	// Default: ~/.local/share/deadair
	DataDir string

	// Audio file extensions included in the playlist
	Extensions []string

	// How often the playlist is rebuilt and the pipeline restarted
	RefreshInterval time.Duration

	// How often the broadcast app is probed for command-path liveness
	CommandProbeInterval time.Duration

	// Listen address for /metrics, /healthz and /status; empty disables
	MetricsAddr string

	Watchdog   WatchdogConfig
	Supervisor SupervisorConfig
	Binaries   BinariesConfig
	Broadcast  BroadcastConfig
	Status     StatusConfig
}

// WatchdogConfig holds playback health thresholds
type WatchdogConfig struct {
	Timeout      time.Duration
	MaxSkips     int
	SkipGrace    time.Duration
	PollInterval time.Duration
}

// SupervisorConfig holds process supervision settings
type SupervisorConfig struct {
	Interval        time.Duration
	BackoffStep     time.Duration
	BackoffCap      time.Duration
	RegenerateAfter int
	StartAttempts   int
	StartPoll       time.Duration
	StopGrace       time.Duration
	StartupRetries  int
	StartupDelay    time.Duration
	SettleDelay     time.Duration
}

// BinariesConfig names the external programs
type BinariesConfig struct {
	FFmpeg    string
	FFprobe   string
	FFplay    string
	Broadcast string
}

// BroadcastConfig controls the broadcast app
type BroadcastConfig struct {
	Args         []string
	WebsocketURL string
	Password     string
}

// StatusConfig controls the status command output
type StatusConfig struct {
	// Output format template
	// Default: "{{.Artist}} - {{.Title}}"
	Format string
	// Pad or truncate output to this display width; 0 disables
	Width int
}

// Load reads configuration from file and environment. An empty path
// searches the config directory and the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine unless one was named explicitly
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("DEADAIR")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	cfg := &Config{
		Sources:              v.GetStringSlice("sources"),
		DataDir:              v.GetString("data_dir"),
		Extensions:           v.GetStringSlice("playlist.extensions"),
		RefreshInterval:      v.GetDuration("playlist.refresh_interval"),
		CommandProbeInterval: v.GetDuration("command_probe_interval"),
		MetricsAddr:          v.GetString("metrics_addr"),
		Watchdog: WatchdogConfig{
			Timeout:      v.GetDuration("watchdog.timeout"),
			MaxSkips:     v.GetInt("watchdog.max_skips"),
			SkipGrace:    v.GetDuration("watchdog.skip_grace"),
			PollInterval: v.GetDuration("watchdog.poll_interval"),
		},
		Supervisor: SupervisorConfig{
			Interval:        v.GetDuration("supervisor.interval"),
			BackoffStep:     v.GetDuration("supervisor.backoff_step"),
			BackoffCap:      v.GetDuration("supervisor.backoff_cap"),
			RegenerateAfter: v.GetInt("supervisor.regenerate_after"),
			StartAttempts:   v.GetInt("supervisor.start_attempts"),
			StartPoll:       v.GetDuration("supervisor.start_poll"),
			StopGrace:       v.GetDuration("supervisor.stop_grace"),
			StartupRetries:  v.GetInt("supervisor.startup_retries"),
			StartupDelay:    v.GetDuration("supervisor.startup_delay"),
			SettleDelay:     v.GetDuration("supervisor.settle_delay"),
		},
		Binaries: BinariesConfig{
			FFmpeg:    v.GetString("binaries.ffmpeg"),
			FFprobe:   v.GetString("binaries.ffprobe"),
			FFplay:    v.GetString("binaries.ffplay"),
			Broadcast: v.GetString("binaries.broadcast"),
		},
		Broadcast: BroadcastConfig{
			Args:         v.GetStringSlice("broadcast.args"),
			WebsocketURL: v.GetString("broadcast.websocket_url"),
			Password:     v.GetString("broadcast.password"),
		},
		Status: StatusConfig{
			Format: v.GetString("status.format"),
			Width:  v.GetInt("status.width"),
		},
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources", []string{})
	v.SetDefault("data_dir", "")
	v.SetDefault("command_probe_interval", 3*time.Second)
	v.SetDefault("metrics_addr", "")

	v.SetDefault("playlist.extensions", []string{".mp3", ".wav"})
	v.SetDefault("playlist.refresh_interval", 3*time.Hour)

	v.SetDefault("watchdog.timeout", 10*time.Second)
	v.SetDefault("watchdog.max_skips", 3)
	v.SetDefault("watchdog.skip_grace", 5*time.Second)
	v.SetDefault("watchdog.poll_interval", 100*time.Millisecond)

	v.SetDefault("supervisor.interval", 5*time.Second)
	v.SetDefault("supervisor.backoff_step", 2*time.Second)
	v.SetDefault("supervisor.backoff_cap", 30*time.Second)
	v.SetDefault("supervisor.regenerate_after", 3)
	v.SetDefault("supervisor.start_attempts", 5)
	v.SetDefault("supervisor.start_poll", 2*time.Second)
	v.SetDefault("supervisor.stop_grace", 5*time.Second)
	v.SetDefault("supervisor.startup_retries", 3)
	v.SetDefault("supervisor.startup_delay", 5*time.Second)
	v.SetDefault("supervisor.settle_delay", 15*time.Second)

	v.SetDefault("binaries.ffmpeg", "ffmpeg")
	v.SetDefault("binaries.ffprobe", "ffprobe")
	v.SetDefault("binaries.ffplay", "ffplay")
	v.SetDefault("binaries.broadcast", "obs")

	v.SetDefault("broadcast.args", []string{"--startstreaming"})
	v.SetDefault("broadcast.websocket_url", "")
	v.SetDefault("broadcast.password", "")

	v.SetDefault("status.format", "{{.Artist}} - {{.Title}}")
	v.SetDefault("status.width", 0)
}

// PlaylistPath is the concat playlist handed to the transcoder
func (c *Config) PlaylistPath() string { return filepath.Join(c.DataDir, "playlist.txt") }

// StatusPath is the now-playing status file
func (c *Config) StatusPath() string { return filepath.Join(c.DataDir, "now_playing.txt") }

// HistoryPath is the play history database
func (c *Config) HistoryPath() string { return filepath.Join(c.DataDir, "history.db") }

// SocketPath is the daemon control socket
func (c *Config) SocketPath() string { return filepath.Join(c.DataDir, "control.sock") }

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".local", "share", "deadair")
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "deadair")

	// Create config directory if it doesn't exist
	_ = os.MkdirAll(configDir, 0755)

	return configDir
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}

// Save writes configuration to path, or config.yaml in the config directory
// when path is empty
func (c *Config) Save(path string) error {
	v := viper.New()

	if path == "" {
		path = filepath.Join(getConfigDir(), "config.yaml")
	}

	v.Set("sources", c.Sources)
	v.Set("data_dir", c.DataDir)
	v.Set("metrics_addr", c.MetricsAddr)
	v.Set("command_probe_interval", c.CommandProbeInterval.String())
	v.Set("playlist.extensions", c.Extensions)
	v.Set("playlist.refresh_interval", c.RefreshInterval.String())
	v.Set("watchdog.timeout", c.Watchdog.Timeout.String())
	v.Set("watchdog.max_skips", c.Watchdog.MaxSkips)
	v.Set("watchdog.skip_grace", c.Watchdog.SkipGrace.String())
	v.Set("watchdog.poll_interval", c.Watchdog.PollInterval.String())
	v.Set("supervisor.interval", c.Supervisor.Interval.String())
	v.Set("supervisor.backoff_step", c.Supervisor.BackoffStep.String())
	v.Set("supervisor.backoff_cap", c.Supervisor.BackoffCap.String())
	v.Set("supervisor.regenerate_after", c.Supervisor.RegenerateAfter)
	v.Set("supervisor.start_attempts", c.Supervisor.StartAttempts)
	v.Set("supervisor.start_poll", c.Supervisor.StartPoll.String())
	v.Set("supervisor.stop_grace", c.Supervisor.StopGrace.String())
	v.Set("supervisor.startup_retries", c.Supervisor.StartupRetries)
	v.Set("supervisor.startup_delay", c.Supervisor.StartupDelay.String())
	v.Set("supervisor.settle_delay", c.Supervisor.SettleDelay.String())
	v.Set("binaries.ffmpeg", c.Binaries.FFmpeg)
	v.Set("binaries.ffprobe", c.Binaries.FFprobe)
	v.Set("binaries.ffplay", c.Binaries.FFplay)
	v.Set("binaries.broadcast", c.Binaries.Broadcast)
	v.Set("broadcast.args", c.Broadcast.Args)
	v.Set("broadcast.websocket_url", c.Broadcast.WebsocketURL)
	v.Set("status.format", c.Status.Format)
	v.Set("status.width", c.Status.Width)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Write to file
	return v.WriteConfigAs(path)
}
