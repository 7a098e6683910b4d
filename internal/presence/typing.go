package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/pmelo/courier/internal/bus"
)

// TypingChange is the payload of presence.typing_changed events.
type TypingChange struct {
	ChatID string
	Users  []string
}

// Store holds ephemeral per-chat typing state with time-based expiry.
// Entries past their TTL are logically absent: reads filter them lazily,
// no background sweep runs. Observers are notified only when the active
// set for a chat actually changes.
type Store struct {
	bus *bus.Bus
	now func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]time.Time // chatID -> userID -> expiresAt
}

// NewStore creates an empty presence store.
func NewStore(b *bus.Bus) *Store {
	return &Store{
		bus:     b,
		now:     time.Now,
		entries: make(map[string]map[string]time.Time),
	}
}

// SetTyping records that a user is composing in a chat for ttl.
func (s *Store) SetTyping(chatID, userID string, ttl time.Duration) {
	s.mu.Lock()
	before := s.activeLocked(chatID)
	users := s.entries[chatID]
	if users == nil {
		users = make(map[string]time.Time)
		s.entries[chatID] = users
	}
	users[userID] = s.now().Add(ttl)
	after := s.activeLocked(chatID)
	s.mu.Unlock()

	s.notifyIfChanged(chatID, before, after)
}

// StopTyping removes a user's typing entry immediately.
func (s *Store) StopTyping(chatID, userID string) {
	s.mu.Lock()
	before := s.activeLocked(chatID)
	if users := s.entries[chatID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.entries, chatID)
		}
	}
	after := s.activeLocked(chatID)
	s.mu.Unlock()

	s.notifyIfChanged(chatID, before, after)
}

// Typing returns the users currently composing in a chat. Expired
// entries are evicted as a side effect of the read.
func (s *Store) Typing(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(chatID)
}

// Clear drops all presence state (session invalidation).
func (s *Store) Clear() {
	s.mu.Lock()
	chats := make([]string, 0, len(s.entries))
	for chatID := range s.entries {
		chats = append(chats, chatID)
	}
	s.entries = make(map[string]map[string]time.Time)
	s.mu.Unlock()

	for _, chatID := range chats {
		s.notify(chatID, nil)
	}
}

func (s *Store) activeLocked(chatID string) []string {
	users := s.entries[chatID]
	if len(users) == 0 {
		return nil
	}
	now := s.now()
	var active []string
	for userID, expiresAt := range users {
		if now.Before(expiresAt) {
			active = append(active, userID)
		} else {
			delete(users, userID)
		}
	}
	if len(users) == 0 {
		delete(s.entries, chatID)
	}
	sort.Strings(active)
	return active
}

func (s *Store) notifyIfChanged(chatID string, before, after []string) {
	if equal(before, after) {
		return
	}
	s.notify(chatID, after)
}

func (s *Store) notify(chatID string, users []string) {
	if s.bus == nil {
		return
	}
	s.bus.Emit("presence.typing_changed", TypingChange{ChatID: chatID, Users: users})
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
