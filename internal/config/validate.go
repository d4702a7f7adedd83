package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// ConfigError describes a single invalid setting. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate checks the settings the daemon needs before it starts. Every
// problem is reported, joined into one error of *ConfigError values.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if len(c.Sources) == 0 {
		add("sources", "at least one source directory is required")
	}
	for i, src := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if strings.TrimSpace(src) == "" {
			add(field, "must not be empty")
			continue
		}
		info, err := os.Stat(src)
		if err != nil {
			add(field, "%v", err)
			continue
		}
		if !info.IsDir() {
			add(field, "%s is not a directory", src)
		}
	}

	if len(c.Extensions) == 0 {
		add("playlist.extensions", "at least one extension is required")
	}
	if c.RefreshInterval < 0 {
		add("playlist.refresh_interval", "must not be negative")
	}

	if c.Watchdog.Timeout <= 0 {
		add("watchdog.timeout", "must be positive")
	}
	if c.Watchdog.MaxSkips <= 0 {
		add("watchdog.max_skips", "must be positive")
	}
	if c.Watchdog.SkipGrace < 0 {
		add("watchdog.skip_grace", "must not be negative")
	}
	if c.Watchdog.PollInterval <= 0 {
		add("watchdog.poll_interval", "must be positive")
	}

	if c.Supervisor.Interval <= 0 {
		add("supervisor.interval", "must be positive")
	}
	if c.Supervisor.BackoffCap < c.Supervisor.BackoffStep {
		add("supervisor.backoff_cap", "must be at least backoff_step")
	}
	if c.Supervisor.RegenerateAfter <= 0 {
		add("supervisor.regenerate_after", "must be positive")
	}
	if c.Supervisor.StartAttempts <= 0 {
		add("supervisor.start_attempts", "must be positive")
	}
	if c.Supervisor.StartupRetries <= 0 {
		add("supervisor.startup_retries", "must be positive")
	}

	binaries := []struct{ field, bin string }{
		{"binaries.ffmpeg", c.Binaries.FFmpeg},
		{"binaries.ffprobe", c.Binaries.FFprobe},
		{"binaries.ffplay", c.Binaries.FFplay},
		{"binaries.broadcast", c.Binaries.Broadcast},
	}
	for _, b := range binaries {
		if strings.TrimSpace(b.bin) == "" {
			add(b.field, "must not be empty")
		}
	}

	if c.DataDir == "" {
		add("data_dir", "must not be empty")
	}

	if _, err := template.New("status").Parse(c.Status.Format); err != nil {
		add("status.format", "invalid template: %v", err)
	}
	if c.Status.Width < 0 {
		add("status.width", "must not be negative")
	}

	return errors.Join(errs...)
}
