package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jfmyers9/deadair/internal/config"
	"github.com/jfmyers9/deadair/internal/daemon"
	"github.com/spf13/cobra"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install deadair daemon as a systemd user service",
	Long: `Install deadair daemon as a systemd user service that runs automatically on login.

This command will:
  - Write a default config to ~/.config/deadair/config.yaml if none exists
  - Generate a systemd unit for the deadair daemon
  - Install it to ~/.config/systemd/user/
  - Enable and start the service with systemctl --user

Edit the config to point sources at your music before installing, or run
'deadair restart' after editing it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get the path to the current executable
		binaryPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}

		// Resolve symlinks to get the actual binary path
		binaryPath, err = filepath.EvalSymlinks(binaryPath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		logPath, err := daemon.GetDefaultLogPath()
		if err != nil {
			return fmt.Errorf("failed to get log path: %w", err)
		}

		if err := os.MkdirAll(logPath, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		if err := ensureConfig(cmd); err != nil {
			return err
		}

		cfgPath := configPath
		if cfgPath != "" {
			if cfgPath, err = filepath.Abs(cfgPath); err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
		}

		unit, err := daemon.GenerateUnit(daemon.UnitConfig{
			BinaryPath:       binaryPath,
			ConfigPath:       cfgPath,
			LogPath:          logPath,
			WorkingDirectory: home,
		})
		if err != nil {
			return fmt.Errorf("failed to generate unit: %w", err)
		}

		unitPath, err := daemon.GetUnitPath()
		if err != nil {
			return fmt.Errorf("failed to get unit path: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
			return fmt.Errorf("failed to create systemd user directory: %w", err)
		}

		if _, err := os.Stat(unitPath); err == nil {
			fmt.Println("Daemon is already installed. Replacing unit...")
		}

		if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}

		fmt.Printf("✓ Installed unit to %s\n", unitPath)

		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		if err := systemctl("enable", "--now", daemon.UnitName); err != nil {
			return err
		}

		fmt.Println("✓ Daemon enabled and started successfully")
		fmt.Printf("✓ Logs will be written to %s\n", logPath)
		fmt.Println("\nThe deadair daemon is now running and will start automatically on login.")
		fmt.Println("\nYou can check the daemon status with:")
		fmt.Println("  systemctl --user status deadair")
		fmt.Println("  deadair status")
		fmt.Println("\nTo uninstall, run:")
		fmt.Println("  deadair uninstall")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}

// ensureConfig writes the default config when none exists yet
func ensureConfig(cmd *cobra.Command) error {
	path := configPath
	if path == "" {
		path = filepath.Join(config.GetConfigDir(), "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("failed to load default config: %w", err)
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote default config to %s\n", path)
	return nil
}

// systemctl runs a systemctl --user subcommand
func systemctl(args ...string) error {
	c := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	output, err := c.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("systemctl %s failed: %s", strings.Join(args, " "), msg)
		}
		return fmt.Errorf("failed to run systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
