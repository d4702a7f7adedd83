package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jfmyers9/deadair/internal/config"
	"github.com/jfmyers9/deadair/internal/playlist"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// playlistCmd groups the playlist maintenance commands
var playlistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "Build, check and inspect playlists",
}

var playlistGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Scan the sources and write a shuffled playlist",
	Long: `Scan the configured source directories and write a shuffled concat
playlist. Tracks not yet played in the current history cycle come first.

A running daemon rebuilds its own playlist; use --output to write
somewhere else while it is on air.`,
	RunE: runPlaylistGenerate,
}

var playlistVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Check that a playlist can be read by ffprobe",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPlaylistVerify,
}

var playlistHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently played tracks",
	RunE:  runPlaylistHistory,
}

func init() {
	rootCmd.AddCommand(playlistCmd)
	playlistCmd.AddCommand(playlistGenerateCmd)
	playlistCmd.AddCommand(playlistVerifyCmd)
	playlistCmd.AddCommand(playlistHistoryCmd)

	playlistGenerateCmd.Flags().StringP("output", "o", "", "Playlist path (default: the daemon's playlist)")
	playlistHistoryCmd.Flags().IntP("limit", "n", 20, "Number of plays to show")
}

func runPlaylistGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(cfg.Sources) == 0 {
		return errors.New("no sources configured")
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = cfg.PlaylistPath()
	}

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	p := playlist.New(playlist.Config{
		Path:       output,
		Sources:    cfg.Sources,
		Extensions: cfg.Extensions,
	}, history, nil, zerolog.Nop())

	if err := p.Generate(ctx); err != nil {
		return fmt.Errorf("failed to generate playlist: %w", err)
	}

	_, total := p.Progress()
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d tracks to %s\n", total, output)
	return nil
}

func runPlaylistVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := cfg.PlaylistPath()
	if len(args) == 1 {
		path = args[0]
	}

	entries, err := playlist.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read playlist: %w", err)
	}

	if err := playlist.NewProbeVerifier(cfg.Binaries.FFprobe).Verify(ctx, path); err != nil {
		return fmt.Errorf("playlist %s is not usable: %w", path, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d tracks)\n", path, len(entries))
	return nil
}

func runPlaylistHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	plays, err := history.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if len(plays) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No plays recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLAYED\tCYCLE\tARTIST\tTITLE")
	for _, play := range plays {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			play.PlayedAt.Local().Format("2006-01-02 15:04"), play.Cycle, play.Artist, play.Title)
	}
	return w.Flush()
}

func openHistory(cfg *config.Config) (*playlist.History, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	history, err := playlist.NewHistory(cfg.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open play history: %w", err)
	}
	return history, nil
}
