package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Direction string    `json:"direction"`
	Content   string    `json:"content"`
	FilePath  string    `json:"file_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveChat(c *Chat) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.Name)
	if err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(id string) (*Chat, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at, updated_at FROM chats WHERE id = ?`, id)
	c := &Chat{}
	err := row.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at, updated_at FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// Append records one chat message in the audit log.
func (s *Store) Append(chatID, content, direction string) error {
	return s.AppendFile(chatID, content, direction, "")
}

// AppendFile records a message that carried a saved media file.
func (s *Store) AppendFile(chatID, content, direction, filePath string) error {
	var fp any
	if filePath != "" {
		fp = filePath
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (chat_id, direction, content, file_path)
		VALUES (?, ?, ?, ?)`,
		chatID, direction, content, fp)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetRecent returns the most recent messages for a chat in chronological order.
func (s *Store) GetRecent(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, chat_id, direction, content, file_path, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// GetRecentIncoming returns the newest user-sent messages, newest last.
// The orchestrator handoff note is built from these.
func (s *Store) GetRecentIncoming(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, chat_id, direction, content, file_path, created_at
		FROM messages
		WHERE chat_id = ? AND direction = ?
		ORDER BY id DESC
		LIMIT ?`, chatID, DirectionIncoming, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent incoming: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// GetLastSavedFile returns the path of the most recently saved media file
// for a chat, or empty if the chat has none.
func (s *Store) GetLastSavedFile(chatID string) (string, error) {
	row := s.db.QueryRow(`
		SELECT file_path FROM messages
		WHERE chat_id = ? AND file_path IS NOT NULL
		ORDER BY id DESC LIMIT 1`, chatID)
	var fp string
	err := row.Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get last saved file: %w", err)
	}
	return fp, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var fp *string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Direction, &m.Content, &fp, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if fp != nil {
			m.FilePath = *fp
		}
		messages = append(messages, m)
	}
	return messages, nil
}
