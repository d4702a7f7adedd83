package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes the playback pipeline: a transcoder reading the concat
// playlist and writing WAV to a player's stdin
type Config struct {
	FFmpeg     string
	FFplay     string
	Playlist   string
	Extensions []string
}

// Playback is one running transcoder → player pair
type Playback struct {
	transcoder *Process
	player     *Process
	events     chan Event
	done       chan struct{}
}

// TranscoderArgs returns the transcoder arguments for the given playlist
func TranscoderArgs(playlist string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "info",
		"-re",
		"-f", "concat",
		"-safe", "0",
		"-i", playlist,
		"-ac", "2",
		"-ar", "44100",
		"-acodec", "pcm_s16le",
		"-af", "aresample=async=1000",
		"-f", "wav",
		"-",
	}
}

// PlayerArgs returns the player arguments for WAV on stdin
func PlayerArgs() []string {
	return []string{
		"-f", "wav",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-",
	}
}

// StartPlayback launches the player, then the transcoder feeding it
func StartPlayback(cfg Config, logger zerolog.Logger) (*Playback, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio pipe: %w", err)
	}

	player, err := Start(Command{
		Name:  "player",
		Path:  cfg.FFplay,
		Args:  PlayerArgs(),
		Stdin: r,
	}, logger)
	if err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to start player: %w", err)
	}

	transcoder, err := Start(Command{
		Name:        "transcoder",
		Path:        cfg.FFmpeg,
		Args:        TranscoderArgs(cfg.Playlist),
		Stdout:      w,
		WatchStderr: true,
	}, logger)

	// The children hold their own copies of the pipe ends
	r.Close()
	w.Close()

	if err != nil {
		_ = player.Terminate(2 * time.Second)
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	p := &Playback{
		transcoder: transcoder,
		player:     player,
		events:     make(chan Event, linesBuffer),
		done:       make(chan struct{}),
	}

	go p.classify(cfg.Extensions)
	go p.watch()

	logger.Info().
		Int("transcoder_pid", transcoder.Pid()).
		Int("player_pid", player.Pid()).
		Str("playlist", cfg.Playlist).
		Msg("Playback pipeline started")

	return p, nil
}

func (p *Playback) classify(extensions []string) {
	defer close(p.events)
	for line := range p.transcoder.Lines() {
		select {
		case p.events <- Classify(line, extensions):
		case <-p.transcoder.stop:
		}
	}
}

// watch closes done as soon as either stage exits
func (p *Playback) watch() {
	select {
	case <-p.transcoder.Done():
	case <-p.player.Done():
	}
	close(p.done)
}

// Events delivers classified transcoder output. It is closed once the
// transcoder's stderr is closed and must be drained by the caller.
func (p *Playback) Events() <-chan Event {
	return p.events
}

// Done is closed when either stage has exited
func (p *Playback) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether either stage has exited
func (p *Playback) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate stops both stages
func (p *Playback) Terminate(grace time.Duration) error {
	return errors.Join(
		p.transcoder.Terminate(grace),
		p.player.Terminate(grace),
	)
}

// Pid returns the transcoder's process id
func (p *Playback) Pid() int {
	return p.transcoder.Pid()
}

// Diagnostics reports the exit state and stderr tail of both stages
func (p *Playback) Diagnostics() string {
	return strings.Join([]string{
		p.transcoder.Diagnostics(),
		p.player.Diagnostics(),
	}, "\n")
}
