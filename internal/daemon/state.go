package daemon

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Snapshot states
const (
	StatePlaying = "Playing"
	StateStopped = "Stopped"
)

const statusTimeFormat = "2006-01-02 15:04:05"

// Snapshot is a point-in-time view of the keeper, shared by the status file,
// the control socket and the HTTP /status endpoint
type Snapshot struct {
	State     string    `json:"state"` // Playing or Stopped
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	Album     string    `json:"album"`
	Path      string    `json:"path,omitempty"`
	Remaining string    `json:"remaining"` // MM:SS
	Line      string    `json:"line"`      // "{artist} - {title} (MM:SS remaining)"
	UpdatedAt time.Time `json:"updated_at"`

	Running          bool   `json:"running"`
	Playing          bool   `json:"playing"` // Watchdog enforcing checks
	Healthy          bool   `json:"healthy"`
	Reason           string `json:"reason"`
	SkipCount        int    `json:"skip_count"`
	Played           int    `json:"played"`
	Total            int    `json:"total"`
	Stale            bool   `json:"stale"`
	PipelineRunning  bool   `json:"pipeline_running"`
	PipelinePid      int    `json:"pipeline_pid,omitempty"`
	BroadcastRunning bool   `json:"broadcast_running"`
	BroadcastPid     int    `json:"broadcast_pid,omitempty"`
	Failures         int    `json:"failures"`
}

// formatStatus renders the now-playing status file
func formatStatus(s Snapshot) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Status: %s\n", s.State)
	fmt.Fprintf(&buf, "Title: %s\n", s.Title)
	fmt.Fprintf(&buf, "Artist: %s // %s\n", s.Artist, s.Album)
	fmt.Fprintf(&buf, "Time: %s\n", s.Line)
	fmt.Fprintf(&buf, "Last Updated: %s\n", s.UpdatedAt.Format(statusTimeFormat))
	return buf.Bytes()
}

// WriteStatusFile atomically replaces the status file at path
func WriteStatusFile(path string, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Write atomically via temp file + rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, formatStatus(s), 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// ReadStatusFile parses a status file written by WriteStatusFile. Fields the
// file does not carry are left zero.
func ReadStatusFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}

	var s Snapshot
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ": ")
		if !ok {
			continue
		}
		switch key {
		case "Status":
			s.State = value
			s.PipelineRunning = value == StatePlaying
		case "Title":
			s.Title = value
		case "Artist":
			s.Artist, s.Album, _ = strings.Cut(value, " // ")
		case "Time":
			s.Line = value
			if open := strings.LastIndex(value, "("); open >= 0 {
				s.Remaining = strings.TrimSuffix(strings.TrimSuffix(value[open+1:], ")"), " remaining")
			}
		case "Last Updated":
			if t, err := time.ParseInLocation(statusTimeFormat, value, time.Local); err == nil {
				s.UpdatedAt = t
			}
		}
	}
	return s, scanner.Err()
}
