package song

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jfmyers9/deadair/internal/clock"
)

const (
	unknownField = "Unknown"
	noSongTitle  = "No song playing"
)

// Info is a point-in-time copy of the current song
type Info struct {
	Title     string
	Artist    string
	Album     string
	Path      string
	StartedAt time.Time
	Duration  time.Duration
	Remaining time.Duration
}

// Current derives display metadata for the track the pipeline is playing.
// It is rebuilt from the file path and a duration probe on every song change
// and is safe for concurrent use.
type Current struct {
	prober Prober
	clock  clock.Clock

	mu        sync.RWMutex
	title     string
	artist    string
	album     string
	path      string
	startedAt time.Time
	duration  time.Duration
}

// NewCurrent creates an empty Current song
func NewCurrent(prober Prober, clk clock.Clock) *Current {
	if clk == nil {
		clk = clock.New()
	}
	return &Current{
		prober: prober,
		clock:  clk,
		title:  noSongTitle,
		artist: unknownField,
		album:  unknownField,
	}
}

// Update replaces the current song with the track at path. The duration is
// probed before anything is modified, so a failed probe leaves the previous
// song untouched.
func (c *Current) Update(ctx context.Context, path string) error {
	title, artist, album := ParsePath(path)

	duration, err := c.prober.Duration(ctx, path)
	if err != nil {
		return &MetadataProbeError{Path: path, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.title = title
	c.artist = artist
	c.album = album
	c.path = path
	c.startedAt = c.clock.Now()
	c.duration = duration

	return nil
}

// Info returns a copy of the current song with remaining time computed now
func (c *Current) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Info{
		Title:     c.title,
		Artist:    c.artist,
		Album:     c.album,
		Path:      c.path,
		StartedAt: c.startedAt,
		Duration:  c.duration,
		Remaining: c.remaining(),
	}
}

// Duration returns the probed duration of the current song
func (c *Current) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.duration
}

// StatusLine formats "{artist} - {title} (MM:SS remaining)"
func (c *Current) StatusLine() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.startedAt.IsZero() {
		return "Waiting..."
	}

	return fmt.Sprintf("%s - %s (%s remaining)", c.artist, c.title, FormatClock(c.remaining()))
}

// remaining must be called with lock held
func (c *Current) remaining() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	elapsed := c.clock.Now().Sub(c.startedAt)
	if elapsed >= c.duration {
		return 0
	}
	return c.duration - elapsed
}

// FormatClock renders d as MM:SS, truncating partial seconds
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// ParsePath extracts display fields from a path laid out as
// <root>/<Artist>/<Album>/<NN - Title>.<ext>. Paths without the artist and
// album directories fall back to the bare file name as title.
func ParsePath(path string) (title, artist, album string) {
	clean := filepath.ToSlash(filepath.Clean(path))
	var parts []string
	for _, p := range strings.Split(clean, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if len(parts) < 4 {
		return stem, unknownField, unknownField
	}

	artist = parts[len(parts)-3]
	album = parts[len(parts)-2]
	title = stem
	if _, after, found := strings.Cut(stem, " - "); found {
		title = after
	}
	return title, artist, album
}
