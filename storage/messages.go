// Package storage persists conversation messages in a local sqlite
// database.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"parley/model"
)

// TruncationSuffix is appended to a text body cut down by LoadRecent.
const TruncationSuffix = "…[truncated]"

// MessageStore is the append-only conversation log.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore opens (or creates) the database file under dataDir.
func NewMessageStore(dataDir, name string) (*MessageStore, error) {
	dbPath := filepath.Join(dataDir, name)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &MessageStore{db: db}
	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

func (s *MessageStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		blocks TEXT NOT NULL,
		placeholder INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes one message. The block list is stored as JSON.
func (s *MessageStore) Append(msg model.Message) error {
	blocks, err := json.Marshal(msg.Blocks)
	if err != nil {
		return fmt.Errorf("failed to encode blocks: %w", err)
	}

	created := msg.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (id, role, blocks, placeholder, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), string(msg.Role), string(blocks), msg.Placeholder, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// LoadRecent returns the newest n messages in ascending time order. When
// truncateChars is positive, text bodies longer than that are cut and the
// truncation suffix appended.
func (s *MessageStore) LoadRecent(n, truncateChars int) ([]model.Message, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT role, blocks, placeholder, created_at FROM messages ORDER BY created_at DESC, rowid DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var role, blocks string
		var placeholder bool
		var created time.Time
		if err := rows.Scan(&role, &blocks, &placeholder, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg := model.Message{Role: model.Role(role), Placeholder: placeholder, Timestamp: created}
		if err := json.Unmarshal([]byte(blocks), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("failed to decode blocks: %w", err)
		}
		if truncateChars > 0 {
			msg.Blocks = truncateBlocks(msg.Blocks, truncateChars)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query returns newest first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Count returns the number of stored messages.
func (s *MessageStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func truncateBlocks(blocks []model.ContentBlock, limit int) []model.ContentBlock {
	for i := range blocks {
		switch blocks[i].Kind {
		case model.BlockText:
			blocks[i].Text = truncateText(blocks[i].Text, limit)
		case model.BlockToolResult:
			blocks[i].Content = truncateBlocks(blocks[i].Content, limit)
		}
	}
	return blocks
}

func truncateText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + TruncationSuffix
}
