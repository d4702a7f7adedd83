package watchdog

import (
	"sync"
	"time"

	"github.com/jfmyers9/deadair/internal/clock"
	"github.com/rs/zerolog"
)

// Default policy values
const (
	DefaultTimeout   = 10 * time.Second
	DefaultMaxSkips  = 3
	DefaultSkipGrace = 5 * time.Second
)

// Reason explains an unhealthy verdict
type Reason int

const (
	ReasonNone              Reason = iota // Healthy
	ReasonCommandTimeout                  // Control interface went quiet
	ReasonNowPlayingTimeout               // Playback engine went quiet
	ReasonExcessiveSkips                  // Tracks advanced abnormally fast
)

// String returns a human-readable representation of the Reason
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCommandTimeout:
		return "command_timeout"
	case ReasonNowPlayingTimeout:
		return "now_playing_timeout"
	case ReasonExcessiveSkips:
		return "excessive_skips"
	default:
		return "unknown"
	}
}

// Verdict is the result of a health check
type Verdict struct {
	Healthy       bool
	Reason        Reason
	CommandAge    time.Duration // Time since the last command (or arming)
	NowPlayingAge time.Duration // Time since the last now-playing heartbeat (or arming)
	SkipCount     int
}

// Config holds watchdog policy
type Config struct {
	Timeout   time.Duration // Max silence allowed on either liveness channel
	MaxSkips  int           // Consecutive premature skips before unhealthy
	SkipGrace time.Duration // Remaining time below which an early change is not a skip
}

// Watchdog tracks two liveness channels and the song-skip pattern and turns
// them into a binary health verdict. It is safe for concurrent use.
type Watchdog struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu               sync.Mutex
	playing          bool
	armedAt          time.Time
	lastCommandAt    time.Time
	lastNowPlayingAt time.Time
	skipCount        int
	currentSong      string
	songStartedAt    time.Time
	expectedEndAt    time.Time
}

// New creates a Watchdog. Non-positive Timeout and MaxSkips fall back to the
// defaults.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger) *Watchdog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSkips <= 0 {
		cfg.MaxSkips = DefaultMaxSkips
	}
	if cfg.SkipGrace < 0 {
		cfg.SkipGrace = DefaultSkipGrace
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("component", "watchdog").Logger(),
	}
}

// UpdateCommandTimestamp records that an external control command was processed
func (w *Watchdog) UpdateCommandTimestamp() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.lastCommandAt = now
	w.arm(now)
}

// UpdateNowPlayingTimestamp records that a now-playing heartbeat was observed
func (w *Watchdog) UpdateNowPlayingTimestamp() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.lastNowPlayingAt = now
	w.arm(now)
}

// arm marks the instant liveness tracking began. Must be called with lock held.
func (w *Watchdog) arm(now time.Time) {
	if w.armedAt.IsZero() {
		w.armedAt = now
	}
}

// SetPlaying toggles whether checks are enforced
func (w *Watchdog) SetPlaying(playing bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.playing = playing
}

// IsPlaying reports whether checks are enforced
func (w *Watchdog) IsPlaying() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.playing
}

// UpdateSong is called on every detected song change. A change arriving while
// more than the grace period remains on the previous song counts as a
// premature skip; any other change resets the skip counter.
func (w *Watchdog) UpdateSong(songKey string, duration time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()

	if songKey != w.currentSong && w.currentSong != "" {
		remaining := w.expectedEndAt.Sub(now)
		if now.Before(w.expectedEndAt) && remaining > w.cfg.SkipGrace {
			w.skipCount++
			w.logger.Warn().
				Str("previous", w.currentSong).
				Str("next", songKey).
				Dur("played", now.Sub(w.songStartedAt)).
				Dur("remaining", remaining).
				Int("skip_count", w.skipCount).
				Msg("Premature song change")
		} else {
			w.skipCount = 0
		}
	}

	w.currentSong = songKey
	w.songStartedAt = now
	w.expectedEndAt = now.Add(duration)
}

// CheckStatus evaluates the current health verdict
func (w *Watchdog) CheckStatus() Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := Verdict{Healthy: true, SkipCount: w.skipCount}
	if !w.playing {
		return v
	}

	if w.skipCount >= w.cfg.MaxSkips {
		v.Healthy = false
		v.Reason = ReasonExcessiveSkips
		return v
	}

	if w.armedAt.IsZero() {
		return v
	}

	now := w.clock.Now()
	v.CommandAge = now.Sub(orElse(w.lastCommandAt, w.armedAt))
	v.NowPlayingAge = now.Sub(orElse(w.lastNowPlayingAt, w.armedAt))

	switch {
	case v.CommandAge > w.cfg.Timeout:
		v.Healthy = false
		v.Reason = ReasonCommandTimeout
	case v.NowPlayingAge > w.cfg.Timeout:
		v.Healthy = false
		v.Reason = ReasonNowPlayingTimeout
	}

	if !v.Healthy {
		w.logger.Warn().
			Str("reason", v.Reason.String()).
			Dur("command_age", v.CommandAge).
			Dur("now_playing_age", v.NowPlayingAge).
			Dur("timeout", w.cfg.Timeout).
			Msg("Watchdog timeout detected")
	}

	return v
}

// SkipCount returns the current consecutive premature-skip count
func (w *Watchdog) SkipCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipCount
}

// Reset clears all tracking state and disables checks. Called after every
// recovery cycle.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.playing = false
	w.armedAt = time.Time{}
	w.lastCommandAt = time.Time{}
	w.lastNowPlayingAt = time.Time{}
	w.skipCount = 0
	w.currentSong = ""
	w.songStartedAt = time.Time{}
	w.expectedEndAt = time.Time{}
}

func orElse(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
