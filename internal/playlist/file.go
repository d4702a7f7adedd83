package playlist

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The playlist file is consumed by the transcoder's concat demuxer: one
// `file '<path>'` directive per line, with single quotes escaped as '\''.

// Quote escapes path for a concat directive
func Quote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// Unquote reverses Quote
func Unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", fmt.Errorf("not a quoted path: %q", s)
	}
	inner := s[1 : len(s)-1]
	return strings.ReplaceAll(inner, `'\''`, "'"), nil
}

// Encode renders entries in concat demuxer format
func Encode(entries []string) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString("file ")
		buf.WriteString(Quote(e))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Decode parses concat demuxer directives. Blank lines and comments are
// ignored; any other directive is an error.
func Decode(data []byte) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rest, ok := strings.CutPrefix(line, "file ")
		if !ok {
			return nil, fmt.Errorf("line %d: unexpected directive %q", lineNo, line)
		}
		path, err := Unquote(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, path)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}

	return entries, nil
}

// WriteFile persists entries atomically via temp file + rename
func WriteFile(path string, entries []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, Encode(entries), 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// ReadFile loads and decodes a playlist file
func ReadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
