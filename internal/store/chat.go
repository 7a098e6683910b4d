package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record.
func (db *DB) UpsertChat(c *Chat) error {
	return UpsertChatIn(db.DB, c)
}

// UpsertChatIn is UpsertChat running on a DB or an open transaction.
func UpsertChatIn(e execer, c *Chat) error {
	_, err := e.Exec(`
		INSERT INTO chats (chat_id, name, topic, is_group, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = excluded.name,
			topic = excluded.topic,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at
				THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ChatID, c.Name, c.Topic, c.IsGroup, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, time.Now().UnixMilli())
	return err
}

// TouchChatIn ensures a chat row exists and rolls its last-message info
// forward, without clobbering name or topic.
func TouchChatIn(e execer, chatID, preview string, lastMessageAt int64) error {
	_, err := e.Exec(`
		INSERT INTO chats (chat_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at
				THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		chatID, lastMessageAt, preview, time.Now().UnixMilli())
	return err
}

// UpdateChatMetadataIn updates name/topic only.
func UpdateChatMetadataIn(e execer, chatID, name, topic string) error {
	_, err := e.Exec(`
		INSERT INTO chats (chat_id, name, topic, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = excluded.name,
			topic = excluded.topic,
			updated_at = excluded.updated_at`,
		chatID, name, topic, time.Now().UnixMilli())
	return err
}

// IncrementUnreadIn bumps a chat's unread counter.
func IncrementUnreadIn(e execer, chatID string) error {
	_, err := e.Exec(`UPDATE chats SET unread_count = unread_count + 1, updated_at = ? WHERE chat_id = ?`,
		time.Now().UnixMilli(), chatID)
	return err
}

// GetChat returns a single chat, or nil when unknown.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT chat_id, name, topic, is_group, unread_count, last_message_at, last_message_preview
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.Name, &c.Topic, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id, name, topic, is_group, unread_count, last_message_at, last_message_preview
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.Name, &c.Topic, &c.IsGroup, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
