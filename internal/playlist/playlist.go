package playlist

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/samber/lo/mutable"
)

// Config holds playlist settings
type Config struct {
	Path       string   // Concat file handed to the transcoder
	Sources    []string // Directories scanned for audio
	Extensions []string // Allowlist; defaults to DefaultExtensions
	SessionID  string   // Tags history rows written by this process
}

// Playlist owns the shuffled track order and the count of tracks played from
// it. It is safe for concurrent use.
type Playlist struct {
	cfg      Config
	history  *History
	verifier Verifier
	logger   zerolog.Logger

	mu      sync.Mutex
	entries []string
	played  int
	stale   bool
}

// New creates a Playlist. history and verifier may be nil.
func New(cfg Config, history *History, verifier Verifier, logger zerolog.Logger) *Playlist {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	return &Playlist{
		cfg:      cfg,
		history:  history,
		verifier: verifier,
		logger:   logger.With().Str("component", "playlist").Logger(),
	}
}

// Path returns the location of the concat file
func (p *Playlist) Path() string {
	return p.cfg.Path
}

// Generate rescans the sources, shuffles every discovered file and
// atomically replaces the concat file. Tracks not yet played in the current
// history cycle are ordered ahead of played ones; a fully played cycle starts
// a new one. The played counter resets to zero.
func (p *Playlist) Generate(ctx context.Context) error {
	files, err := Scan(ctx, p.cfg.Sources, p.cfg.Extensions)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return &EmptySourceError{Sources: p.cfg.Sources}
	}

	ordered := p.order(ctx, files)

	if err := WriteFile(p.cfg.Path, ordered); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}

	p.mu.Lock()
	p.entries = ordered
	p.played = 0
	p.stale = false
	p.mu.Unlock()

	p.logger.Info().
		Int("tracks", len(ordered)).
		Str("path", p.cfg.Path).
		Msg("Playlist generated")

	return nil
}

// order shuffles files, placing tracks unplayed in the current cycle first.
// History failures degrade to a plain shuffle.
func (p *Playlist) order(ctx context.Context, files []string) []string {
	if p.history == nil {
		ordered := append([]string(nil), files...)
		mutable.Shuffle(ordered)
		return ordered
	}

	played, err := p.history.PlayedInCycle(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to read play history, shuffling without it")
		ordered := append([]string(nil), files...)
		mutable.Shuffle(ordered)
		return ordered
	}

	fresh, stale := lo.FilterReject(files, func(f string, _ int) bool {
		return !played[f]
	})

	if len(fresh) == 0 {
		if _, err := p.history.StartCycle(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to start new history cycle")
		} else {
			p.logger.Info().Msg("Every track played, starting new cycle")
		}
		fresh, stale = stale, nil
	}

	mutable.Shuffle(fresh)
	mutable.Shuffle(stale)
	return append(fresh, stale...)
}

// RecordPlayed counts one track as played and reports whether the playlist
// is now exhausted. The count never exceeds the number of entries.
func (p *Playlist) RecordPlayed(ctx context.Context, play Play) bool {
	p.mu.Lock()
	if p.played < len(p.entries) {
		p.played++
	}
	exhausted := p.played >= len(p.entries)
	p.mu.Unlock()

	if p.history != nil && play.Path != "" {
		if play.SessionID == "" {
			play.SessionID = p.cfg.SessionID
		}
		if _, err := p.history.Record(ctx, play); err != nil {
			p.logger.Warn().Err(err).Str("path", play.Path).Msg("Failed to record play")
		}
	}

	return exhausted
}

// Rewind resets the played count for a pipeline that reads the playlist
// from its first entry again
func (p *Playlist) Rewind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = 0
}

// Exhausted reports whether every entry has been played
func (p *Playlist) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played >= len(p.entries)
}

// Progress returns the played and total counts
func (p *Playlist) Progress() (played, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played, len(p.entries)
}

// Entries returns a copy of the current order
func (p *Playlist) Entries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.entries...)
}

// MarkStale flags the playlist for regeneration at the next opportunity
func (p *Playlist) MarkStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stale {
		p.logger.Debug().Msg("Sources changed, playlist marked stale")
	}
	p.stale = true
}

// Stale reports whether the sources changed since the last Generate
func (p *Playlist) Stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale
}

// Verify checks the concat file is usable. Failures are logged, not returned.
func (p *Playlist) Verify(ctx context.Context) bool {
	v := p.verifier
	if v == nil {
		v = FileVerifier{}
	}
	if err := v.Verify(ctx, p.cfg.Path); err != nil {
		p.logger.Warn().Err(err).Str("path", p.cfg.Path).Msg("Playlist verification failed")
		return false
	}
	return true
}
