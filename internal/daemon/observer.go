package daemon

import (
	"context"
	"time"

	"github.com/jfmyers9/deadair/internal/pipeline"
	"github.com/jfmyers9/deadair/internal/playlist"
	"github.com/jfmyers9/deadair/internal/song"
	"github.com/jfmyers9/deadair/internal/supervisor"
)

// observe consumes one pipeline's classified output until it ends
func (d *Daemon) observe(ctx context.Context, p supervisor.Pipeline) {
	d.logger.Debug().Int("pid", p.Pid()).Msg("Observing pipeline output")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.Events():
			if !ok {
				d.pipelineEnded(ctx, p)
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

func (d *Daemon) handleEvent(ctx context.Context, ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventSongOpened:
		d.songOpened(ctx, ev.Path)
	case pipeline.EventProgress:
		d.progress.Do(func() {
			d.OnNowPlayingSignal()
			d.writeStatus()
		})
	}
}

// songOpened updates the current song, counts the track as played and
// feeds the skip detector
func (d *Daemon) songOpened(ctx context.Context, path string) {
	var duration time.Duration
	title, artist, album := song.ParsePath(path)

	if err := d.song.Update(ctx, path); err != nil {
		d.metrics.ProbeFailures.Inc()
		d.logger.Warn().Err(err).Str("path", path).Msg("Failed to read song metadata")
	} else {
		info := d.song.Info()
		duration = info.Duration
		title, artist, album = info.Title, info.Artist, info.Album
	}

	d.metrics.SongsPlayed.Inc()

	exhausted := d.playlist.RecordPlayed(ctx, playlist.Play{
		Path:     path,
		Title:    title,
		Artist:   artist,
		Album:    album,
		PlayedAt: d.clock.Now(),
	})
	d.observePlaylist()

	d.watchdog.UpdateSong(path, duration)
	d.metrics.SkipCount.Set(float64(d.watchdog.SkipCount()))

	played, total := d.playlist.Progress()
	d.logger.Info().
		Str("title", title).
		Str("artist", artist).
		Str("album", album).
		Dur("duration", duration).
		Int("played", played).
		Int("total", total).
		Msg("Now playing")

	d.writeStatus()

	if exhausted {
		d.logger.Info().Int("total", total).Msg("Playlist exhausted, generating next rotation")
		if err := d.rotate(ctx, "exhausted", false); err != nil {
			d.logger.Error().Err(err).Msg("Failed to rotate exhausted playlist")
			return
		}
		d.handoff.Store(true)
	}
}

// pipelineEnded starts the next rotation as soon as a pipeline that played
// out an exhausted playlist exits
func (d *Daemon) pipelineEnded(ctx context.Context, p supervisor.Pipeline) {
	d.metrics.SetPipelineRunning(d.supervisor.Status().PipelineRunning)

	if !d.handoff.CompareAndSwap(true, false) {
		return
	}
	if !d.running.Load() || ctx.Err() != nil {
		return
	}

	// A crash restart may already have replaced it
	if st := d.supervisor.Status(); st.PipelineRunning && st.PipelinePid != p.Pid() {
		return
	}

	d.logger.Info().Int("pid", p.Pid()).Msg("Rotation finished, starting pipeline on new playlist")
	if err := d.supervisor.StartPipeline(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to start pipeline on new playlist")
	}
}
