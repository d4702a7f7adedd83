package playlist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History is a persistent record of played tracks backed by SQLite. Plays are
// grouped into cycles; a cycle ends once every source file has been played.
type History struct {
	db *sql.DB
}

// Play is a single played track
type Play struct {
	ID        int64
	SessionID string
	Cycle     int64
	Path      string
	Title     string
	Artist    string
	Album     string
	PlayedAt  time.Time
}

// NewHistory opens (or creates) the history database at dbPath
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps :memory: databases consistent
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS plays (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			path TEXT NOT NULL,
			title TEXT,
			artist TEXT,
			album TEXT,
			played_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_plays_cycle ON plays(cycle, path);
		CREATE INDEX IF NOT EXISTS idx_plays_played_at ON plays(played_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the database connection
func (h *History) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// CurrentCycle returns the active cycle, starting the first one if needed
func (h *History) CurrentCycle(ctx context.Context) (int64, error) {
	var cycle sql.NullInt64
	if err := h.db.QueryRowContext(ctx, "SELECT MAX(id) FROM cycles").Scan(&cycle); err != nil {
		return 0, fmt.Errorf("failed to query current cycle: %w", err)
	}
	if cycle.Valid {
		return cycle.Int64, nil
	}
	return h.StartCycle(ctx)
}

// StartCycle begins a new cycle; plays from earlier cycles no longer count
// as played
func (h *History) StartCycle(ctx context.Context) (int64, error) {
	result, err := h.db.ExecContext(ctx,
		"INSERT INTO cycles (started_at) VALUES (?)", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to start cycle: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}

	return id, nil
}

// Record adds a play to the current cycle
func (h *History) Record(ctx context.Context, play Play) (int64, error) {
	cycle, err := h.CurrentCycle(ctx)
	if err != nil {
		return 0, err
	}

	playedAt := play.PlayedAt
	if playedAt.IsZero() {
		playedAt = time.Now()
	}

	query := `
		INSERT INTO plays (session_id, cycle, path, title, artist, album, played_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := h.db.ExecContext(ctx, query,
		play.SessionID,
		cycle,
		play.Path,
		play.Title,
		play.Artist,
		play.Album,
		playedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert play: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get insert id: %w", err)
	}

	return id, nil
}

// PlayedInCycle returns the set of paths played during the current cycle
func (h *History) PlayedInCycle(ctx context.Context) (map[string]bool, error) {
	cycle, err := h.CurrentCycle(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx, "SELECT DISTINCT path FROM plays WHERE cycle = ?", cycle)
	if err != nil {
		return nil, fmt.Errorf("failed to query played paths: %w", err)
	}
	defer rows.Close()

	played := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		played[path] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plays: %w", err)
	}

	return played, nil
}

// Recent returns the most recent plays, newest first
func (h *History) Recent(ctx context.Context, limit int) ([]Play, error) {
	query := `
		SELECT id, session_id, cycle, path, COALESCE(title, ''), COALESCE(artist, ''), COALESCE(album, ''), played_at
		FROM plays
		ORDER BY played_at DESC, id DESC
	`

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query plays: %w", err)
	}
	defer rows.Close()

	var plays []Play
	for rows.Next() {
		var p Play
		var playedAtUnix int64

		err := rows.Scan(
			&p.ID,
			&p.SessionID,
			&p.Cycle,
			&p.Path,
			&p.Title,
			&p.Artist,
			&p.Album,
			&playedAtUnix,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan play: %w", err)
		}

		p.PlayedAt = time.Unix(playedAtUnix, 0)
		plays = append(plays, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plays: %w", err)
	}

	return plays, nil
}

// Cleanup removes plays older than maxAge from finished cycles. Plays in the
// current cycle are always kept.
func (h *History) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cycle, err := h.CurrentCycle(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge).Unix()

	result, err := h.db.ExecContext(ctx,
		"DELETE FROM plays WHERE cycle < ? AND played_at < ?", cycle, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old plays: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// Count returns the number of recorded plays
func (h *History) Count(ctx context.Context) (int, error) {
	var count int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plays").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count plays: %w", err)
	}
	return count, nil
}
