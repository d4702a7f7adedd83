package playlist

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher marks a playlist stale when audio files appear or disappear under
// its source directories
type Watcher struct {
	playlist   *Playlist
	extensions []string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger
}

// NewWatcher registers every directory beneath sources
func NewWatcher(p *Playlist, sources []string, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		playlist:   p,
		extensions: p.cfg.Extensions,
		watcher:    fw,
		logger:     logger.With().Str("component", "source_watcher").Logger(),
	}

	for _, src := range sources {
		if err := w.addTree(src); err != nil {
			fw.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Debug().Err(err).Str("dir", path).Msg("Failed to watch directory")
		}
		return nil
	})
}

// Run processes events until ctx is cancelled. The underlying watcher is
// closed on return.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Source watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Debug().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
			w.playlist.MarkStale()
			return
		}
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !IsAudioFile(event.Name, w.extensions) {
		return
	}

	w.logger.Debug().
		Str("file", event.Name).
		Str("op", event.Op.String()).
		Msg("Source change detected")
	w.playlist.MarkStale()
}
