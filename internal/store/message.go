package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	return UpsertMessageIn(db.DB, m)
}

// UpsertMessageIn is UpsertMessage running on a DB or an open transaction.
func UpsertMessageIn(e execer, m *Message) error {
	_, err := e.Exec(`
		INSERT INTO messages (chat_id, msg_id, client_msg_id, sender_id, sender_name, body, content_type, from_me, status, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = excluded.status`,
		m.ChatID, m.MsgID, nullable(m.ClientMsgID), m.SenderID, m.SenderName, m.Body, m.ContentType, m.FromMe, m.Status, m.SentAt, time.Now().UnixMilli())
	return err
}

// MessageExistsIn reports whether a message row is already present.
func MessageExistsIn(e execer, chatID, msgID string) (bool, error) {
	var one int
	err := e.QueryRow(`SELECT 1 FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ConfirmSentIn replaces a locally-keyed message with its server identity
// once acknowledged: msg_id becomes the server id and status advances to
// sent. If the server's echo already inserted a row under the server id,
// the optimistic row is dropped instead.
func ConfirmSentIn(e execer, chatID, clientMsgID, serverMsgID string) error {
	exists, err := MessageExistsIn(e, chatID, serverMsgID)
	if err != nil {
		return err
	}
	if exists {
		_, err := e.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ? AND from_me = 1`,
			chatID, clientMsgID)
		return err
	}
	_, err = e.Exec(`
		UPDATE messages SET msg_id = ?, status = ?
		WHERE chat_id = ? AND msg_id = ? AND from_me = 1`,
		serverMsgID, StatusSent, chatID, clientMsgID)
	return err
}

// AdvanceMessageStatusIn moves a message's delivery status forward.
// Regressions (e.g. read -> delivered) are ignored.
func AdvanceMessageStatusIn(e execer, chatID, msgID, status string) error {
	newRank := StatusRank(status)
	if newRank < 0 {
		return nil
	}
	var current string
	err := e.QueryRow(`SELECT status FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if newRank <= StatusRank(current) {
		return nil
	}
	_, err = e.Exec(`UPDATE messages SET status = ? WHERE chat_id = ? AND msg_id = ?`, status, chatID, msgID)
	return err
}

// GetMessage returns a message by chat and server id, or nil.
func (db *DB) GetMessage(chatID, msgID string) (*Message, error) {
	return scanMessage(db.QueryRow(`
		SELECT id, chat_id, msg_id, COALESCE(client_msg_id, ''), sender_id, sender_name, body, content_type, from_me, status, sent_at
		FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID))
}

// GetMessageByClientID returns an own message by its client-generated id, or nil.
func (db *DB) GetMessageByClientID(clientMsgID string) (*Message, error) {
	return scanMessage(db.QueryRow(`
		SELECT id, chat_id, msg_id, COALESCE(client_msg_id, ''), sender_id, sender_name, body, content_type, from_me, status, sent_at
		FROM messages WHERE client_msg_id = ?`, clientMsgID))
}

// ListMessages returns messages for a chat using keyset pagination by sent_at.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, COALESCE(client_msg_id, ''), sender_id, sender_name, body, content_type, from_me, status, sent_at
		FROM messages
		WHERE chat_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.ContentType, &m.FromMe, &m.Status, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessageByClientID removes an own message by its client id
// (discarding a failed send).
func (db *DB) DeleteMessageByClientID(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE client_msg_id = ? AND from_me = 1`, clientMsgID)
	return err
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.ClientMsgID, &m.SenderID, &m.SenderName, &m.Body, &m.ContentType, &m.FromMe, &m.Status, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
