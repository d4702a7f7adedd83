package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "sources: []\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Watchdog.Timeout != 10*time.Second {
		t.Errorf("Watchdog.Timeout = %v, want 10s", cfg.Watchdog.Timeout)
	}
	if cfg.Watchdog.MaxSkips != 3 {
		t.Errorf("Watchdog.MaxSkips = %d, want 3", cfg.Watchdog.MaxSkips)
	}
	if cfg.Watchdog.SkipGrace != 5*time.Second {
		t.Errorf("Watchdog.SkipGrace = %v, want 5s", cfg.Watchdog.SkipGrace)
	}
	if cfg.Watchdog.PollInterval != 100*time.Millisecond {
		t.Errorf("Watchdog.PollInterval = %v, want 100ms", cfg.Watchdog.PollInterval)
	}
	if cfg.Supervisor.BackoffCap != 30*time.Second {
		t.Errorf("Supervisor.BackoffCap = %v, want 30s", cfg.Supervisor.BackoffCap)
	}
	if cfg.RefreshInterval != 3*time.Hour {
		t.Errorf("RefreshInterval = %v, want 3h", cfg.RefreshInterval)
	}
	if !reflect.DeepEqual(cfg.Extensions, []string{".mp3", ".wav"}) {
		t.Errorf("Extensions = %v", cfg.Extensions)
	}
	if !reflect.DeepEqual(cfg.Broadcast.Args, []string{"--startstreaming"}) {
		t.Errorf("Broadcast.Args = %v", cfg.Broadcast.Args)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir not defaulted")
	}
}

func TestLoad_File(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, `
sources:
  - /srv/music
  - /srv/more
data_dir: `+dataDir+`
watchdog:
  timeout: 20s
  max_skips: 5
binaries:
  broadcast: /opt/obs/bin/obs
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reflect.DeepEqual(cfg.Sources, []string{"/srv/music", "/srv/more"}) {
		t.Errorf("Sources = %v", cfg.Sources)
	}
	if cfg.Watchdog.Timeout != 20*time.Second || cfg.Watchdog.MaxSkips != 5 {
		t.Errorf("Watchdog = %+v", cfg.Watchdog)
	}
	if cfg.Binaries.Broadcast != "/opt/obs/bin/obs" {
		t.Errorf("Binaries.Broadcast = %q", cfg.Binaries.Broadcast)
	}
	if cfg.PlaylistPath() != filepath.Join(dataDir, "playlist.txt") {
		t.Errorf("PlaylistPath = %q", cfg.PlaylistPath())
	}
	if cfg.SocketPath() != filepath.Join(dataDir, "control.sock") {
		t.Errorf("SocketPath = %q", cfg.SocketPath())
	}
}

func TestLoad_Env(t *testing.T) {
	path := writeConfig(t, "sources: []\n")
	t.Setenv("DEADAIR_WATCHDOG_TIMEOUT", "42s")
	t.Setenv("DEADAIR_METRICS_ADDR", ":9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watchdog.Timeout != 42*time.Second {
		t.Errorf("Watchdog.Timeout = %v, want 42s", cfg.Watchdog.Timeout)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	src := t.TempDir()
	path := writeConfig(t, "sources: ["+src+"]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate on defaults: %v", err)
	}

	cfg.Sources = nil
	cfg.Watchdog.Timeout = 0
	cfg.Watchdog.MaxSkips = -1
	cfg.Binaries.FFmpeg = ""
	cfg.Status.Format = "{{.Title"

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}

	fields := map[string]bool{}
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var ce *ConfigError
		if errors.As(e, &ce) {
			fields[ce.Field] = true
		}
	}
	for _, want := range []string{"sources", "watchdog.timeout", "watchdog.max_skips", "binaries.ffmpeg", "status.format"} {
		if !fields[want] {
			t.Errorf("missing error for %s (got %v)", want, fields)
		}
	}
}

func TestValidate_ErrorOrderIsStable(t *testing.T) {
	cfg := &Config{
		Sources:    []string{t.TempDir()},
		DataDir:    t.TempDir(),
		Extensions: []string{".mp3"},
		Watchdog: WatchdogConfig{
			Timeout:      10 * time.Second,
			MaxSkips:     3,
			PollInterval: 100 * time.Millisecond,
		},
		Supervisor: SupervisorConfig{
			Interval:        5 * time.Second,
			BackoffStep:     2 * time.Second,
			BackoffCap:      30 * time.Second,
			RegenerateAfter: 3,
			StartAttempts:   5,
			StartupRetries:  3,
		},
		Status: StatusConfig{Format: "{{.Title}}"},
	}

	want := []string{"binaries.ffmpeg", "binaries.ffprobe", "binaries.ffplay", "binaries.broadcast"}
	for i := 0; i < 20; i++ {
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}

		var fields []string
		for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
			var ce *ConfigError
			if errors.As(e, &ce) {
				fields = append(fields, ce.Field)
			}
		}
		if !reflect.DeepEqual(fields, want) {
			t.Fatalf("run %d: fields = %v, want %v", i, fields, want)
		}
	}
}

func TestValidate_SourceNotDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, "sources: ["+file+"]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	err = cfg.Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "sources[0]" {
		t.Errorf("expected sources[0] error, got %v", err)
	}
}

func TestSave(t *testing.T) {
	src := t.TempDir()
	path := writeConfig(t, "sources: ["+src+"]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Watchdog.Timeout = 15 * time.Second

	out := filepath.Join(t.TempDir(), "saved.yaml")
	if err := cfg.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(out)
	if err != nil {
		t.Fatalf("Load saved: %v", err)
	}
	if reloaded.Watchdog.Timeout != 15*time.Second {
		t.Errorf("Watchdog.Timeout = %v, want 15s", reloaded.Watchdog.Timeout)
	}
	if !reflect.DeepEqual(reloaded.Sources, []string{src}) {
		t.Errorf("Sources = %v", reloaded.Sources)
	}
}
