package store

// Chat represents a synced chat.
type Chat struct {
	ChatID             string
	Name               string
	Topic              string
	IsGroup            bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a synced message.
type Message struct {
	ID          int64
	ChatID      string
	MsgID       string
	ClientMsgID string
	SenderID    string
	SenderName  string
	Body        string
	ContentType string
	FromMe      bool
	Status      string
	SentAt      int64
}

// Participant represents a chat member.
type Participant struct {
	ChatID   string
	UserID   string
	Role     string
	JoinedAt int64
}

// User represents a known account.
type User struct {
	UserID   string
	Name     string
	LastSeen int64
}

// OutboxEntry represents a durable not-yet-acknowledged outgoing message.
// Status lifecycle: scheduled -> pending -> (ack: row deleted) | failed.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       string
	Body         string
	Status       string
	Attempts     int
	ScheduledAt  int64
	ErrorMessage string
	CreatedAt    int64
}

// Outbox entry statuses.
const (
	OutboxScheduled = "scheduled"
	OutboxPending   = "pending"
	OutboxFailed    = "failed"
)

// Message delivery statuses, in advancement order.
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// StatusRank orders delivery statuses; unknown statuses rank -1 so they
// never overwrite a known one.
func StatusRank(status string) int {
	switch status {
	case StatusPending:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return -1
}
