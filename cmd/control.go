package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jfmyers9/deadair/internal/config"
	"github.com/jfmyers9/deadair/internal/daemon"
	"github.com/spf13/cobra"
)

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Resume health enforcement in the daemon",
	Long: `Tell the running daemon that playback is expected. The watchdog resets
its timers and resumes recovering stalled or skipping playback.`,
	RunE: runControl(daemon.CommandPlay),
}

// pauseCmd represents the pause command
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Suspend health enforcement in the daemon",
	Long: `Tell the running daemon that silence is expected. The watchdog stops
enforcing liveness until play is sent again. The pipeline keeps running.`,
	RunE: runControl(daemon.CommandPause),
}

// restartCmd represents the restart command
var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Force a full recovery cycle",
	Long: `Ask the running daemon to stop both processes, rebuild the playlist if
needed and start everything again, exactly as it does when playback is
found unhealthy.`,
	RunE: runControl(daemon.CommandRestart),
}

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the daemon is answering",
	RunE:  runControl(daemon.CommandPing),
}

func init() {
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(pingCmd)

	restartCmd.Flags().Duration("timeout", time.Minute, "How long to wait for the recovery to finish")
}

func runControl(command string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		timeout := 5 * time.Second
		if cmd.Flags().Lookup("timeout") != nil {
			timeout, _ = cmd.Flags().GetDuration("timeout")
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if _, err := daemon.Send(ctx, cfg.SocketPath(), command); err != nil {
			return fmt.Errorf("%s failed: %w", command, err)
		}

		switch command {
		case daemon.CommandPlay:
			fmt.Fprintln(cmd.OutOrStdout(), "▶ Playback enforcement resumed")
		case daemon.CommandPause:
			fmt.Fprintln(cmd.OutOrStdout(), "⏸ Playback enforcement paused")
		case daemon.CommandRestart:
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Recovery cycle completed")
		default:
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Daemon is running")
		}
		return nil
	}
}
