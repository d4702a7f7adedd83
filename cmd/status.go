package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/jfmyers9/deadair/internal/config"
	"github.com/jfmyers9/deadair/internal/daemon"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the song currently on air",
	Long: `Ask the running daemon for the current song and print it.

When the daemon does not answer, the last status file it wrote is used
instead. The output format can be customized in ~/.config/deadair/config.yaml
using a Go template. Available fields: .Title, .Artist, .Album, .Remaining,
.Line, .State, .Played, .Total, .Healthy, .Reason

Exit codes:
  0 - A song is on air
  1 - Nothing playing or the daemon is stopped`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringP("format", "f", "", "Output format template (overrides config)")
	statusCmd.Flags().IntP("width", "w", 0, "Fixed output width (0=disabled, overrides config)")
	statusCmd.Flags().Bool("json", false, "Print the full status as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	formatFlag, _ := cmd.Flags().GetString("format")
	if formatFlag != "" {
		cfg.Status.Format = formatFlag
	}

	snapshot, err := currentSnapshot(ctx, cfg)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	if snapshot.State != daemon.StatePlaying || snapshot.Title == "" {
		os.Exit(1)
		return nil
	}

	output, err := formatSnapshot(snapshot, cfg.Status.Format)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}

	width, _ := cmd.Flags().GetInt("width")
	if width == 0 {
		width = cfg.Status.Width
	}
	output = padToWidth(output, width)

	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// currentSnapshot asks the daemon over its socket and falls back to the
// status file
func currentSnapshot(ctx context.Context, cfg *config.Config) (daemon.Snapshot, error) {
	resp, err := daemon.Send(ctx, cfg.SocketPath(), daemon.CommandStatus)
	if err == nil && resp.Status != nil {
		return *resp.Status, nil
	}

	snapshot, fileErr := daemon.ReadStatusFile(cfg.StatusPath())
	if fileErr != nil {
		if err != nil {
			return daemon.Snapshot{}, fmt.Errorf("daemon not reachable (%v) and no status file: %w", err, fileErr)
		}
		return daemon.Snapshot{}, fmt.Errorf("failed to read status file: %w", fileErr)
	}
	return snapshot, nil
}

// formatSnapshot applies the template to the snapshot
func formatSnapshot(snapshot daemon.Snapshot, templateStr string) (string, error) {
	tmpl, err := template.New("output").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, snapshot); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}

	return buf.String(), nil
}

// padToWidth pads or truncates text to a fixed display width.
// Width is measured in display columns, accounting for Unicode characters.
// Text longer than width is truncated with a "..." suffix.
func padToWidth(text string, width int) string {
	if width <= 0 {
		return text
	}

	currentWidth := runewidth.StringWidth(text)

	switch {
	case currentWidth > width:
		ellipsis := "..."
		ellipsisWidth := runewidth.StringWidth(ellipsis)

		if width <= ellipsisWidth {
			return runewidth.Truncate(ellipsis, width, "")
		}

		result := runewidth.Truncate(text, width-ellipsisWidth, "") + ellipsis

		// Wide runes can leave the truncation a column short
		if resultWidth := runewidth.StringWidth(result); resultWidth < width {
			return result + strings.Repeat(" ", width-resultWidth)
		}
		return result
	case currentWidth < width:
		return text + strings.Repeat(" ", width-currentWidth)
	}

	return text
}
