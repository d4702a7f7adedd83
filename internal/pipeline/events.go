package pipeline

import (
	"bytes"
	"strings"

	"github.com/jfmyers9/deadair/internal/playlist"
)

// EventKind tags a line of transcoder diagnostic output
type EventKind int

const (
	EventOther EventKind = iota
	// EventSongOpened means the concat demuxer opened a new track
	EventSongOpened
	// EventProgress is a periodic encoder statistics line
	EventProgress
)

func (k EventKind) String() string {
	switch k {
	case EventOther:
		return "other"
	case EventSongOpened:
		return "song_opened"
	case EventProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// Event is a classified transcoder output line
type Event struct {
	Kind EventKind
	Path string // set for EventSongOpened
	Line string
}

const openMarker = "Opening '"

// Classify inspects a single output line. Lines like
//
//	[concat @ 0x55d0] Opening '/music/Artist/Album/01 - Song.mp3' for reading
//
// yield EventSongOpened when the quoted path has an audio extension; the
// playlist itself is opened the same way and is reported as EventOther.
// Lines carrying "size=" are encoder progress.
func Classify(line string, extensions []string) Event {
	if _, rest, ok := strings.Cut(line, openMarker); ok {
		// Paths may contain quotes; the last one closes the path
		if end := strings.LastIndex(rest, "'"); end > 0 {
			path := rest[:end]
			if playlist.IsAudioFile(path, extensions) {
				return Event{Kind: EventSongOpened, Path: path, Line: line}
			}
		}
	}

	if strings.Contains(line, "size=") {
		return Event{Kind: EventProgress, Line: line}
	}

	return Event{Kind: EventOther, Line: line}
}

// ScanLines is a bufio.SplitFunc that ends lines at either '\r' or '\n'.
// The transcoder redraws its statistics line with a bare carriage return.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
