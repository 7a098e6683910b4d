package store

import (
	"database/sql"
	"fmt"
	"time"
)

// QueueOutbox adds a message to the durable send queue in Pending state.
func (db *DB) QueueOutbox(clientMsgID, chatID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		clientMsgID, chatID, body, OutboxPending, now, now)
	return err
}

// QueueScheduled adds a message that must not be sent before sendAt.
func (db *DB) QueueScheduled(clientMsgID, chatID, body string, sendAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, body, status, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientMsgID, chatID, body, OutboxScheduled, sendAt, now, now)
	return err
}

// PendingOutbox returns pending entries in creation order. Ordering is
// per-chat FIFO; a global order across chats is not promised.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.queryOutbox(`
		SELECT id, client_msg_id, chat_id, body, status, attempts, scheduled_at, error_message, created_at
		FROM outbox WHERE status = ? ORDER BY chat_id, created_at ASC`, OutboxPending)
}

// DueScheduled returns scheduled entries whose send time has passed.
func (db *DB) DueScheduled(now int64) ([]OutboxEntry, error) {
	return db.queryOutbox(`
		SELECT id, client_msg_id, chat_id, body, status, attempts, scheduled_at, error_message, created_at
		FROM outbox WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC`, OutboxScheduled, now)
}

// PromoteScheduled moves a scheduled entry into Pending.
func (db *DB) PromoteScheduled(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE client_msg_id = ? AND status = ?`,
		OutboxPending, time.Now().UnixMilli(), clientMsgID, OutboxScheduled)
	return err
}

// BumpAttempts increments the delivery attempt counter and returns the
// new count.
func (db *DB) BumpAttempts(clientMsgID string) (int, error) {
	_, err := db.Exec(`UPDATE outbox SET attempts = attempts + 1, updated_at = ? WHERE client_msg_id = ?`,
		time.Now().UnixMilli(), clientMsgID)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = db.QueryRow(`SELECT attempts FROM outbox WHERE client_msg_id = ?`, clientMsgID).Scan(&attempts)
	return attempts, err
}

// MarkOutboxFailed parks an entry for manual retry or discard.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		OutboxFailed, errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// ResetOutbox moves a failed entry back to Pending with a fresh attempt
// budget (user-requested retry).
func (db *DB) ResetOutbox(clientMsgID string) error {
	res, err := db.Exec(`UPDATE outbox SET status = ?, attempts = 0, error_message = '', updated_at = ? WHERE client_msg_id = ? AND status = ?`,
		OutboxPending, time.Now().UnixMilli(), clientMsgID, OutboxFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %s not found or not failed", clientMsgID)
	}
	return nil
}

// DeleteOutbox removes an entry. Called once the message is acknowledged
// (or explicitly discarded by the user).
func (db *DB) DeleteOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// GetOutbox returns an entry by client id, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT id, client_msg_id, chat_id, body, status, attempts, scheduled_at, error_message, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.Body, &e.Status, &e.Attempts, &e.ScheduledAt, &e.ErrorMessage, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) queryOutbox(query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.Body, &e.Status, &e.Attempts, &e.ScheduledAt, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
