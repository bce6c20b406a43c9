package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"caesartv/models"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type PlayOutcome string

const (
	OutcomeStarted   PlayOutcome = "started"
	OutcomeCompleted PlayOutcome = "completed"
	OutcomeFailed    PlayOutcome = "failed"
	OutcomeSkipped   PlayOutcome = "skipped"
)

type PlayRecord struct {
	ID       int64       `json:"id"`
	MediaID  string      `json:"mediaId"`
	Title    string      `json:"title"`
	Path     string      `json:"path"`
	Outcome  PlayOutcome `json:"outcome"`
	PlayedAt time.Time   `json:"playedAt"`
}

// New opens (or creates) the SQLite store at dbPath and brings its schema
// up to date.
func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infof("Database initialized at %s", dbPath)
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// migrations[i] moves the schema from user_version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS media (
			id TEXT NOT NULL PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			local_file_path TEXT,
			thumbnail_url TEXT NOT NULL DEFAULT '',
			duration INTEGER NOT NULL DEFAULT 0,
			display_order INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS media_url (
			db_id INTEGER PRIMARY KEY AUTOINCREMENT,
			media_id TEXT NOT NULL REFERENCES media(id) ON DELETE CASCADE,
			url_type TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			id TEXT NOT NULL DEFAULT '',
			local_file_path TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_media_url_media_id ON media_url(media_id)`,
		`CREATE INDEX IF NOT EXISTS idx_media_active_order ON media(is_active, display_order)`,
	},
	{
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			media_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			played_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_play_history_media_id ON play_history(media_id)`,
	},
}

func (d *Database) migrate() error {
	var version int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		for _, m := range migrations[v] {
			if _, err := tx.Exec(m); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w\nSQL: %s", v+1, err, m)
			}
		}
		// PRAGMA does not take bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Debugf("database schema migrated to version %d", v+1)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ReplaceAll swaps the stored playlist for items in a single transaction.
// URL rows receive fresh db ids, which are written back into items.
func (d *Database) ReplaceAll(ctx context.Context, items []models.MediaItem) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM media_url`); err != nil {
		return fmt.Errorf("failed to clear media urls: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM media`); err != nil {
		return fmt.Errorf("failed to clear media: %w", err)
	}

	for i := range items {
		item := &items[i]
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO media (id, title, description, media_type, url, local_file_path,
				thumbnail_url, duration, display_order, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.Title, item.Description, string(item.MediaType), item.URL, nullable(item.LocalFilePath),
			item.ThumbnailURL, item.Duration, item.DisplayOrder, item.IsActive, item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert media %s: %w", item.ID, err)
		}

		for j := range item.MultipleURL {
			u := &item.MultipleURL[j]
			res, err := tx.ExecContext(ctx,
				`INSERT INTO media_url (media_id, url_type, url, id, local_file_path) VALUES (?, ?, ?, ?, ?)`,
				item.ID, string(u.URLType), u.URL, u.ID, nullable(u.LocalFilePath),
			)
			if err != nil {
				return fmt.Errorf("failed to insert url %s of media %s: %w", u.ID, item.ID, err)
			}
			if u.DBID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit playlist: %w", err)
	}
	return nil
}

// ActiveMedia returns the active playlist ordered by display order, each item
// carrying its urls in insertion order.
func (d *Database) ActiveMedia(ctx context.Context) ([]models.MediaItem, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, title, description, media_type, url, local_file_path, thumbnail_url,
			duration, display_order, is_active, created_at, updated_at
		 FROM media
		 WHERE is_active = 1
		 ORDER BY display_order, rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	var items []models.MediaItem
	index := make(map[string]int)
	for rows.Next() {
		var m models.MediaItem
		var mediaType string
		var local sql.NullString
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &mediaType, &m.URL, &local, &m.ThumbnailURL,
			&m.Duration, &m.DisplayOrder, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan media row: %w", err)
		}
		m.MediaType = models.MediaType(mediaType)
		m.LocalFilePath = local.String
		index[m.ID] = len(items)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	urlRows, err := d.db.QueryContext(ctx,
		`SELECT u.db_id, u.media_id, u.url_type, u.url, u.id, u.local_file_path
		 FROM media_url u JOIN media m ON m.id = u.media_id
		 WHERE m.is_active = 1
		 ORDER BY u.db_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query media urls: %w", err)
	}
	defer urlRows.Close()

	for urlRows.Next() {
		var u models.MediaURL
		var mediaID, urlType string
		var local sql.NullString
		if err := urlRows.Scan(&u.DBID, &mediaID, &urlType, &u.URL, &u.ID, &local); err != nil {
			return nil, fmt.Errorf("failed to scan media url row: %w", err)
		}
		u.URLType = models.URLType(urlType)
		u.LocalFilePath = local.String
		if i, ok := index[mediaID]; ok {
			items[i].MultipleURL = append(items[i].MultipleURL, u)
		}
	}
	return items, urlRows.Err()
}

func (d *Database) CountActiveMedia(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media WHERE is_active = 1`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count media: %w", err)
	}
	return count, nil
}

// SetMediaLocalPath stores the downloaded file of a media item; an empty
// path clears it.
func (d *Database) SetMediaLocalPath(ctx context.Context, mediaID, path string) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE media SET local_file_path = ? WHERE id = ?`, nullable(path), mediaID); err != nil {
		return fmt.Errorf("failed to update local path of media %s: %w", mediaID, err)
	}
	return nil
}

func (d *Database) SetURLLocalPath(ctx context.Context, dbID int64, path string) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE media_url SET local_file_path = ? WHERE db_id = ?`, nullable(path), dbID); err != nil {
		return fmt.Errorf("failed to update local path of url %d: %w", dbID, err)
	}
	return nil
}

// ClearLocalPath drops every reference to path and reports how many rows
// referenced it.
func (d *Database) ClearLocalPath(ctx context.Context, path string) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		`UPDATE media SET local_file_path = NULL WHERE local_file_path = ?`,
		`UPDATE media_url SET local_file_path = NULL WHERE local_file_path = ?`,
	} {
		res, err := tx.ExecContext(ctx, q, path)
		if err != nil {
			return 0, fmt.Errorf("failed to clear local path %s: %w", path, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func (d *Database) RecordPlay(ctx context.Context, mediaID, title, path string, outcome PlayOutcome) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO play_history (media_id, title, path, outcome, played_at) VALUES (?, ?, ?, ?, ?)`,
		mediaID, title, path, string(outcome), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record play: %w", err)
	}
	return nil
}

// RecentPlays returns the newest play records first.
func (d *Database) RecentPlays(ctx context.Context, limit int) ([]PlayRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, media_id, title, path, outcome, played_at
		 FROM play_history
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query play history: %w", err)
	}
	defer rows.Close()

	var records []PlayRecord
	for rows.Next() {
		var r PlayRecord
		var outcome, playedAt string
		if err := rows.Scan(&r.ID, &r.MediaID, &r.Title, &r.Path, &outcome, &playedAt); err != nil {
			return nil, fmt.Errorf("failed to scan play history row: %w", err)
		}
		r.Outcome = PlayOutcome(outcome)
		if r.PlayedAt, err = time.Parse(time.RFC3339Nano, playedAt); err != nil {
			log.Warnf("failed to parse played_at timestamp '%s': %v", playedAt, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
