package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ApplyResult reports the outcome of an ApplyEvent call.
type ApplyResult struct {
	// Applied is false when the event's sequence was at or below the
	// chat watermark (a duplicate).
	Applied bool
	// Gap is true when the applied sequence skipped past watermark+1,
	// meaning events in between were missed.
	Gap bool
	// Prev is the chat watermark before the call. With Watermark it
	// bounds the hole a gap left behind.
	Prev int64
	// Watermark is the chat watermark after the call.
	Watermark int64
}

// ApplyEvent runs mutate inside one transaction gated by the per-chat
// watermark: events with seq at or below the watermark are dropped
// without side effects, otherwise the mutation and the watermark advance
// commit atomically. The watermark never regresses, so interleaving the
// live stream with reconciliation fetches is order-independent.
//
// A sequence jump past watermark+1 records the hole in the gaps table in
// the same transaction, so a crash before the backfill runs cannot lose
// the skipped events.
func (db *DB) ApplyEvent(chatID string, seq int64, mutate func(tx *sql.Tx) error) (ApplyResult, error) {
	if seq <= 0 {
		return ApplyResult{}, fmt.Errorf("apply event: invalid sequence %d for chat %s", seq, chatID)
	}

	tx, err := db.Begin()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var watermark int64
	err = tx.QueryRow(`SELECT last_seq FROM watermarks WHERE chat_id = ?`, chatID).Scan(&watermark)
	if err != nil && err != sql.ErrNoRows {
		return ApplyResult{}, fmt.Errorf("read watermark: %w", err)
	}

	if seq <= watermark {
		return ApplyResult{Applied: false, Watermark: watermark}, nil
	}

	if err := mutate(tx); err != nil {
		return ApplyResult{}, fmt.Errorf("apply event %s/%d: %w", chatID, seq, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO watermarks (chat_id, last_seq) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_seq = excluded.last_seq`,
		chatID, seq); err != nil {
		return ApplyResult{}, fmt.Errorf("advance watermark: %w", err)
	}

	if seq > watermark+1 {
		if _, err := tx.Exec(`
			INSERT INTO gaps (chat_id, from_seq, to_seq, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(chat_id, from_seq) DO UPDATE SET to_seq = MAX(gaps.to_seq, excluded.to_seq)`,
			chatID, watermark, seq, time.Now().UnixMilli()); err != nil {
			return ApplyResult{}, fmt.Errorf("record gap: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("commit: %w", err)
	}

	return ApplyResult{Applied: true, Gap: seq > watermark+1, Prev: watermark, Watermark: seq}, nil
}

// FillEvent applies a backfilled event that may sit below the chat
// watermark (a gap left by out-of-order live delivery). The mutation
// must be idempotent; the watermark only ever moves forward.
func (db *DB) FillEvent(chatID string, seq int64, mutate func(tx *sql.Tx) error) error {
	if seq <= 0 {
		return fmt.Errorf("fill event: invalid sequence %d for chat %s", seq, chatID)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := mutate(tx); err != nil {
		return fmt.Errorf("fill event %s/%d: %w", chatID, seq, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO watermarks (chat_id, last_seq) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_seq = MAX(watermarks.last_seq, excluded.last_seq)`,
		chatID, seq); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	return tx.Commit()
}

// Gap is a durably recorded hole in a chat's event sequence: sequences
// in (FromSeq, ToSeq) were skipped by an out-of-order apply and still
// need to be fetched.
type Gap struct {
	ChatID  string
	FromSeq int64
	ToSeq   int64
}

// PendingGaps returns every unfilled hole, oldest first.
func (db *DB) PendingGaps() ([]Gap, error) {
	rows, err := db.Query(`SELECT chat_id, from_seq, to_seq FROM gaps ORDER BY created_at, chat_id, from_seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		if err := rows.Scan(&g.ChatID, &g.FromSeq, &g.ToSeq); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// ClearGap removes recorded holes fully covered by the filled range.
func (db *DB) ClearGap(chatID string, from, to int64) error {
	_, err := db.Exec(`DELETE FROM gaps WHERE chat_id = ? AND from_seq >= ? AND to_seq <= ?`,
		chatID, from, to)
	return err
}

// Watermark returns the highest applied sequence for a chat (0 if none).
func (db *DB) Watermark(chatID string) (int64, error) {
	var seq int64
	err := db.QueryRow(`SELECT last_seq FROM watermarks WHERE chat_id = ?`, chatID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// ChatIDs returns the identifiers of all locally known chats.
func (db *DB) ChatIDs() ([]string, error) {
	rows, err := db.Query(`SELECT chat_id FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetCheckpoint stores a named sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint retrieves a named sync checkpoint value ("" if unset).
func (db *DB) Checkpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
