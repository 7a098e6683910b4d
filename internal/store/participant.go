package store

import (
	"database/sql"
	"time"
)

// UpsertParticipantIn adds or updates a chat member.
func UpsertParticipantIn(e execer, p *Participant) error {
	joined := p.JoinedAt
	if joined == 0 {
		joined = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO participants (chat_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET role = excluded.role`,
		p.ChatID, p.UserID, p.Role, joined)
	return err
}

// RemoveParticipantIn deletes a chat member.
func RemoveParticipantIn(e execer, chatID, userID string) error {
	_, err := e.Exec(`DELETE FROM participants WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

// ListParticipants returns the members of a chat.
func (db *DB) ListParticipants(chatID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT chat_id, user_id, role, joined_at FROM participants
		WHERE chat_id = ? ORDER BY joined_at`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ps []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

// UpsertUserIn records what a message revealed about its sender: the
// name and last-seen time move forward, a missing name never erases a
// known one.
func UpsertUserIn(e execer, u *User) error {
	_, err := e.Exec(`
		INSERT INTO users (user_id, name, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			last_seen = MAX(users.last_seen, excluded.last_seen),
			updated_at = excluded.updated_at`,
		u.UserID, u.Name, u.LastSeen, time.Now().UnixMilli())
	return err
}

// GetUser returns a user by id, or nil.
func (db *DB) GetUser(userID string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT user_id, name, last_seen FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Name, &u.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
