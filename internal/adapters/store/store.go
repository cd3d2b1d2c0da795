// Package store persists chat messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			channel_id   TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			display_name TEXT NOT NULL,
			avatar       TEXT DEFAULT '',
			content      TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_channel ON messages(channel_id, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	log.Info().Str("module", "store").Str("path", path).Msg("database ready")
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, user_id, display_name, avatar, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(m.ChannelID), string(m.Author.UserID), m.Author.DisplayName,
		m.Author.AvatarRef, m.Content, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.CreatedAt = time.UnixMilli(m.CreatedAt.UnixMilli()).UTC()
	return m, nil
}

// ListMessages returns up to limit of the newest messages of ch, oldest first.
func (s *Store) ListMessages(ctx context.Context, ch domain.ChannelID, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, user_id, display_name, avatar, content, created_at FROM (
			SELECT * FROM messages WHERE channel_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, string(ch), limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0, limit)
	for rows.Next() {
		var (
			m       domain.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Author.UserID, &m.Author.DisplayName, &m.Author.AvatarRef, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
