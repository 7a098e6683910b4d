package router

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/conn"
	"github.com/pmelo/courier/internal/presence"
	"github.com/pmelo/courier/internal/protocol"
	"github.com/pmelo/courier/internal/store"
	"go.uber.org/zap"
)

// typingTTL bounds how long a typing indicator stays active without a
// refresh from the server.
const typingTTL = 6 * time.Second

// Gap is the payload of sync.gap events: sequence numbers in (From, To)
// were skipped for a chat and an out-of-band delta fetch should fill them.
type Gap struct {
	ChatID string
	From   int64 // watermark before the jump
	To     int64 // sequence that was applied out of order
}

// Sender is the outbound half of the connection channel.
type Sender interface {
	Send(protocol.Frame) error
	State() conn.State
}

type receipt struct {
	chatID    string
	messageID string
	senderID  string
}

// Router decodes inbound frames and applies them to the local store.
// Durable events go through the watermark-gated ApplyEvent transaction;
// ephemeral events fan out to the presence store and the bus. Malformed
// frames are dropped without tearing the connection down.
type Router struct {
	db       *store.DB
	presence *presence.Store
	sender   Sender
	bus      *bus.Bus
	logger   *zap.Logger

	mu              sync.Mutex
	pendingReceipts []receipt
}

// New creates a router.
func New(db *store.DB, p *presence.Store, sender Sender, b *bus.Bus, logger *zap.Logger) *Router {
	return &Router{
		db:       db,
		presence: p,
		sender:   sender,
		bus:      b,
		logger:   logger,
	}
}

// Route applies one inbound frame. Returns an error only for store
// failures; protocol-level problems are logged and swallowed.
func (r *Router) Route(frame protocol.Frame) error {
	event, err := protocol.DecodeEvent(frame)
	if err != nil {
		var malformed *protocol.MalformedFrameError
		if errors.As(err, &malformed) {
			r.logger.Warn("dropping malformed frame", zap.Error(err), zap.String("event", frame.Event))
			return nil
		}
		return err
	}

	switch ev := event.(type) {
	case protocol.NewMessage:
		return r.handleNewMessage(ev)
	case protocol.MessageStatusUpdate:
		return r.handleStatus(ev)
	case protocol.Ack:
		r.bus.Emit("outbox.ack", ev)
		return nil
	case protocol.TypingUpdate:
		if ev.Typing {
			r.presence.SetTyping(ev.ChatID, ev.UserID, typingTTL)
		} else {
			r.presence.StopTyping(ev.ChatID, ev.UserID)
		}
		return nil
	case protocol.ParticipantChange:
		return r.handleParticipant(ev)
	case protocol.ChatMetadataUpdate:
		return r.handleChatMetadata(ev)
	case protocol.CallSignal:
		// Call handling lives outside the engine; relay untouched.
		r.bus.Emit("call.signal", ev)
		return nil
	case protocol.ServerError:
		r.logger.Warn("server error frame", zap.String("code", ev.Code), zap.String("message", ev.Message))
		return nil
	}
	return nil
}

func (r *Router) handleNewMessage(ev protocol.NewMessage) error {
	// The server echoes our own messages back with the client id set;
	// treat the echo as an acknowledgment so the queue can settle even
	// if the explicit ack frame was lost.
	fromMe := ev.ClientMsgID != ""

	res, err := r.db.ApplyEvent(ev.ChatID, ev.Seq, func(tx *sql.Tx) error {
		if err := store.UpsertMessageIn(tx, &store.Message{
			ChatID:      ev.ChatID,
			MsgID:       ev.MessageID,
			ClientMsgID: ev.ClientMsgID,
			SenderID:    ev.SenderID,
			SenderName:  ev.SenderName,
			Body:        ev.Body,
			ContentType: ev.ContentType,
			FromMe:      fromMe,
			Status:      store.StatusSent,
			SentAt:      ev.SentAt,
		}); err != nil {
			return err
		}
		if err := store.TouchChatIn(tx, ev.ChatID, preview(ev.Body), ev.SentAt); err != nil {
			return err
		}
		if !fromMe {
			if err := recordSender(tx, ev); err != nil {
				return err
			}
			return store.IncrementUnreadIn(tx, ev.ChatID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil // duplicate, no side effects
	}
	if res.Gap {
		r.bus.Emit("sync.gap", Gap{ChatID: ev.ChatID, From: res.Prev, To: ev.Seq})
	}

	r.bus.Emit("message.upserted", map[string]string{"chat_id": ev.ChatID, "msg_id": ev.MessageID})
	if fromMe {
		r.bus.Emit("outbox.ack", protocol.Ack{
			ChatID:      ev.ChatID,
			ClientMsgID: ev.ClientMsgID,
			MessageID:   ev.MessageID,
			SentAt:      ev.SentAt,
		})
	} else {
		r.sendReceipt(receipt{chatID: ev.ChatID, messageID: ev.MessageID, senderID: ev.SenderID})
	}
	return nil
}

// Backfill applies an event fetched to fill a watermark hole. Unlike
// Route it does not gate on the watermark (the hole sits below it);
// idempotence comes from the storage upserts instead, so re-fetching an
// already-applied event changes nothing. Chat metadata updates are
// skipped here: the chat listing is authoritative for those, and an old
// update must not clobber a newer name.
func (r *Router) Backfill(frame protocol.Frame) error {
	if !frame.Sequenced() {
		return nil
	}
	event, err := protocol.DecodeEvent(frame)
	if err != nil {
		var malformed *protocol.MalformedFrameError
		if errors.As(err, &malformed) {
			r.logger.Warn("dropping malformed backfill event", zap.Error(err), zap.String("event", frame.Event))
			return nil
		}
		return err
	}

	switch ev := event.(type) {
	case protocol.NewMessage:
		return r.backfillNewMessage(ev)
	case protocol.MessageStatusUpdate:
		// Rank-gated, safe below the watermark.
		return r.db.FillEvent(ev.ChatID, ev.Seq, func(tx *sql.Tx) error {
			return store.AdvanceMessageStatusIn(tx, ev.ChatID, ev.MessageID, ev.Status)
		})
	case protocol.ParticipantChange:
		return r.db.FillEvent(ev.ChatID, ev.Seq, func(tx *sql.Tx) error {
			if ev.Removed {
				return store.RemoveParticipantIn(tx, ev.ChatID, ev.UserID)
			}
			return store.UpsertParticipantIn(tx, &store.Participant{
				ChatID: ev.ChatID,
				UserID: ev.UserID,
				Role:   ev.Role,
			})
		})
	}
	return nil
}

func (r *Router) backfillNewMessage(ev protocol.NewMessage) error {
	fromMe := ev.ClientMsgID != ""
	inserted := false

	err := r.db.FillEvent(ev.ChatID, ev.Seq, func(tx *sql.Tx) error {
		exists, err := store.MessageExistsIn(tx, ev.ChatID, ev.MessageID)
		if err != nil {
			return err
		}
		inserted = !exists
		if err := store.UpsertMessageIn(tx, &store.Message{
			ChatID:      ev.ChatID,
			MsgID:       ev.MessageID,
			ClientMsgID: ev.ClientMsgID,
			SenderID:    ev.SenderID,
			SenderName:  ev.SenderName,
			Body:        ev.Body,
			ContentType: ev.ContentType,
			FromMe:      fromMe,
			Status:      store.StatusSent,
			SentAt:      ev.SentAt,
		}); err != nil {
			return err
		}
		if err := store.TouchChatIn(tx, ev.ChatID, preview(ev.Body), ev.SentAt); err != nil {
			return err
		}
		if !fromMe {
			if err := recordSender(tx, ev); err != nil {
				return err
			}
		}
		if inserted && !fromMe {
			return store.IncrementUnreadIn(tx, ev.ChatID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	r.bus.Emit("message.upserted", map[string]string{"chat_id": ev.ChatID, "msg_id": ev.MessageID})
	if !fromMe {
		r.sendReceipt(receipt{chatID: ev.ChatID, messageID: ev.MessageID, senderID: ev.SenderID})
	}
	return nil
}

func (r *Router) handleStatus(ev protocol.MessageStatusUpdate) error {
	res, err := r.db.ApplyEvent(ev.ChatID, ev.Seq, func(tx *sql.Tx) error {
		return store.AdvanceMessageStatusIn(tx, ev.ChatID, ev.MessageID, ev.Status)
	})
	if err != nil {
		return err
	}
	if res.Gap {
		r.bus.Emit("sync.gap", Gap{ChatID: ev.ChatID, From: res.Prev, To: ev.Seq})
	}
	if res.Applied {
		r.bus.Emit("message.status_changed", map[string]string{
			"chat_id": ev.ChatID, "msg_id": ev.MessageID, "status": ev.Status,
		})
	}
	return nil
}

func (r *Router) handleParticipant(ev protocol.ParticipantChange) error {
	res, err := r.db.ApplyEvent(ev.ChatID, ev.Seq, func(tx *sql.Tx) error {
		if ev.Removed {
			return store.RemoveParticipantIn(tx, ev.ChatID, ev.UserID)
		}
		return store.UpsertParticipantIn(tx, &store.Participant{
			ChatID: ev.ChatID,
			UserID: ev.UserID,
			Role:   ev.Role,
		})
	})
	if err != nil {
		return err
	}
	if res.Gap {
		r.bus.Emit("sync.gap", Gap{ChatID: ev.ChatID, From: res.Prev, To: ev.Seq})
	}
	return nil
}

func (r *Router) handleChatMetadata(ev protocol.ChatMetadataUpdate) error {
	res, err := r.db.ApplyEvent(ev.ChatID, ev.Seq, func(tx *sql.Tx) error {
		return store.UpdateChatMetadataIn(tx, ev.ChatID, ev.Name, ev.Topic)
	})
	if err != nil {
		return err
	}
	if res.Gap {
		r.bus.Emit("sync.gap", Gap{ChatID: ev.ChatID, From: res.Prev, To: ev.Seq})
	}
	return nil
}

// sendReceipt confirms delivery to the sender, queueing the receipt for
// the next connection if the socket is down.
func (r *Router) sendReceipt(rc receipt) {
	if r.sender.State() == conn.Connected {
		if err := r.sender.Send(protocol.DeliveryReceipt(rc.chatID, rc.messageID, rc.senderID)); err == nil {
			return
		}
	}
	r.mu.Lock()
	r.pendingReceipts = append(r.pendingReceipts, rc)
	r.mu.Unlock()
}

// FlushReceipts sends receipts held back while disconnected. Called on
// each Connected transition.
func (r *Router) FlushReceipts() {
	r.mu.Lock()
	toSend := r.pendingReceipts
	r.pendingReceipts = nil
	r.mu.Unlock()

	for _, rc := range toSend {
		r.sendReceipt(rc)
	}
}

// recordSender keeps the users table current from message traffic.
func recordSender(tx *sql.Tx, ev protocol.NewMessage) error {
	if ev.SenderID == "" {
		return nil
	}
	return store.UpsertUserIn(tx, &store.User{
		UserID:   ev.SenderID,
		Name:     ev.SenderName,
		LastSeen: ev.SentAt,
	})
}

func preview(body string) string {
	if len(body) <= 100 {
		return body
	}
	return body[:100]
}
