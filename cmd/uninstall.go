package cmd

import (
	"fmt"
	"os"

	"github.com/jfmyers9/deadair/internal/daemon"
	"github.com/spf13/cobra"
)

// uninstallCmd represents the uninstall command
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall deadair daemon from systemd",
	Long: `Uninstall deadair daemon from systemd and stop it from running automatically.

This command will:
  - Stop and disable the running service (if any)
  - Remove the unit file from ~/.config/systemd/user/
  - Reload the systemd user manager

Configuration, playlists and play history are left in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		unitPath, err := daemon.GetUnitPath()
		if err != nil {
			return fmt.Errorf("failed to get unit path: %w", err)
		}

		if _, err := os.Stat(unitPath); os.IsNotExist(err) {
			fmt.Println("Daemon is not installed (unit not found)")
			return nil
		}

		fmt.Println("Stopping daemon...")
		if err := systemctl("disable", "--now", daemon.UnitName); err != nil {
			fmt.Printf("Warning: failed to stop daemon: %v\n", err)
			fmt.Println("Continuing with unit removal...")
		} else {
			fmt.Println("✓ Daemon stopped")
		}

		if err := os.Remove(unitPath); err != nil {
			return fmt.Errorf("failed to remove unit file: %w", err)
		}

		if err := systemctl("daemon-reload"); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}

		fmt.Printf("✓ Removed unit from %s\n", unitPath)
		fmt.Println("\nThe deadair daemon has been uninstalled successfully.")
		fmt.Println("It will no longer run automatically on login.")
		fmt.Println("\nTo reinstall, run:")
		fmt.Println("  deadair install")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}
