package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "now_playing.txt")
	updated := time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)

	snap := Snapshot{
		State:     StatePlaying,
		Title:     "Blue in Green",
		Artist:    "Miles Davis",
		Album:     "Kind of Blue",
		Line:      "Miles Davis - Blue in Green (05:37 remaining)",
		UpdatedAt: updated,
	}
	if err := WriteStatusFile(path, snap); err != nil {
		t.Fatalf("WriteStatusFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"Status: Playing",
		"Title: Blue in Green",
		"Artist: Miles Davis // Kind of Blue",
		"Time: Miles Davis - Blue in Green (05:37 remaining)",
		"Last Updated: 2026-03-04 05:06:07",
		"",
	}, "\n")
	if string(data) != want {
		t.Errorf("status file =\n%s\nwant\n%s", data, want)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := ReadStatusFile(path)
	if err != nil {
		t.Fatalf("ReadStatusFile: %v", err)
	}
	if got.Artist != "Miles Davis" || got.Album != "Kind of Blue" {
		t.Errorf("artist/album = %q/%q", got.Artist, got.Album)
	}
	if got.Remaining != "05:37" {
		t.Errorf("Remaining = %q, want 05:37", got.Remaining)
	}
	if !got.PipelineRunning {
		t.Error("PipelineRunning = false for a Playing file")
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, updated)
	}
}

func TestReadStatusFile_Missing(t *testing.T) {
	if _, err := ReadStatusFile(filepath.Join(t.TempDir(), "none.txt")); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
