package playlist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/music/a.mp3", `'/music/a.mp3'`},
		{"/music/Don't Stop.mp3", `'/music/Don'\''t Stop.mp3'`},
		{"''", `''\'''\'''`},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %s, want %s", tt.in, got, tt.want)
		}
		back, err := Unquote(tt.want)
		if err != nil {
			t.Errorf("Unquote(%s): %v", tt.want, err)
			continue
		}
		if back != tt.in {
			t.Errorf("Unquote(%s) = %q, want %q", tt.want, back, tt.in)
		}
	}
}

func TestDecode(t *testing.T) {
	data := []byte("# generated\nfile '/a.mp3'\n\nfile '/It'\\''s.wav'\n")
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []string{"/a.mp3", "/It's.wav"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %v, want %v", got, want)
	}

	if _, err := Decode([]byte("duration 5\n")); err == nil {
		t.Error("expected error for unknown directive")
	}
	if _, err := Decode([]byte("file /unquoted.mp3\n")); err == nil {
		t.Error("expected error for unquoted path")
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "playlist.txt")
	entries := []string{"/music/x.mp3", "/music/y'z.wav"}

	if err := WriteFile(path, entries); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !reflect.DeepEqual(got, entries) {
		t.Errorf("ReadFile = %v, want %v", got, entries)
	}
}
