package playlist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// DefaultExtensions is the audio file allowlist used when none is configured
var DefaultExtensions = []string{".mp3", ".wav"}

// ErrEmptySource is matched by errors.Is for every EmptySourceError
var ErrEmptySource = errors.New("no audio files found")

// EmptySourceError is returned when the source directories contain no
// playable files. It is fatal: there is nothing to broadcast.
type EmptySourceError struct {
	Sources []string
}

func (e *EmptySourceError) Error() string {
	return fmt.Sprintf("no audio files found in %s or its subfolders", strings.Join(e.Sources, ", "))
}

func (e *EmptySourceError) Is(target error) bool {
	return target == ErrEmptySource
}

// Scan recursively enumerates audio files under every source directory and
// returns their absolute paths, sorted and without duplicates. Unreadable
// subtrees are skipped; a missing source root is an error.
func Scan(ctx context.Context, sources []string, extensions []string) ([]string, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[normalizeExt(ext)] = true
	}

	var files []string
	for _, src := range sources {
		root, err := filepath.Abs(src)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve source %q: %w", src, err)
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				// Skip unreadable entries but keep walking
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			if allowed[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %q: %w", root, err)
		}
	}

	files = lo.Uniq(files)
	sort.Strings(files)
	return files, nil
}

// IsAudioFile reports whether path has one of the given extensions
func IsAudioFile(path string, extensions []string) bool {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	return lo.ContainsBy(extensions, func(e string) bool {
		return normalizeExt(e) == ext
	})
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
