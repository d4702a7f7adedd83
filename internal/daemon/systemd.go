package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// UnitName is the systemd user unit installed by deadair install
const UnitName = "deadair.service"

const unitTemplate = `[Unit]
Description=deadair broadcast keeper
After=network-online.target sound.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} daemon{{if .ConfigPath}} --config {{.ConfigPath}}{{end}} --log-file {{.LogPath}}/deadair.log
WorkingDirectory={{.WorkingDirectory}}
Restart=always
RestartSec=5
KillSignal=SIGINT
TimeoutStopSec=30
Environment=PATH=/usr/local/bin:/usr/bin:/bin

[Install]
WantedBy=default.target
`

// UnitConfig holds the configuration for generating a systemd unit
type UnitConfig struct {
	BinaryPath       string
	ConfigPath       string // Optional explicit config file
	LogPath          string
	WorkingDirectory string
}

// GenerateUnit renders the systemd user unit
func GenerateUnit(config UnitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return "", fmt.Errorf("failed to execute unit template: %w", err)
	}

	return buf.String(), nil
}

// GetUnitPath returns where the user unit is installed
func GetUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ".config", "systemd", "user", UnitName), nil
}

// GetDefaultLogPath returns the default path for daemon logs
func GetDefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "deadair", "logs"), nil
}
