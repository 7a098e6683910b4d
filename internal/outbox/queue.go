package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/conn"
	"github.com/pmelo/courier/internal/protocol"
	"github.com/pmelo/courier/internal/scheduler"
	"github.com/pmelo/courier/internal/store"
	"go.uber.org/zap"
)

// ErrDeliveryTimeout reports that a sent message was not acknowledged
// within the ack window. The entry stays pending; only the rest of its
// chat is held back so per-chat order survives the retry.
var ErrDeliveryTimeout = errors.New("outbox: delivery not acknowledged in time")

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	ChatID      string
	ClientMsgID string
	Attempts    int
}

// Sender is the outbound half of the connection channel.
type Sender interface {
	Send(protocol.Frame) error
	State() conn.State
}

// Options tunes delivery behavior.
type Options struct {
	AckTimeout time.Duration
	MaxRetries int
}

// Queue is the durable outbound delivery queue. Enqueue persists before
// anything touches the network, so a crash between user action and
// delivery loses nothing; the server dedupes on the client-generated id,
// so redelivery after an ack lost in transit is harmless.
type Queue struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	sched  scheduler.Scheduler
	logger *zap.Logger
	opts   Options

	mu       sync.Mutex
	flushing bool
	waiters  map[string]chan struct{}
}

// NewQueue creates a delivery queue. Start must be called before acks
// can settle entries.
func NewQueue(db *store.DB, sender Sender, b *bus.Bus, sched scheduler.Scheduler, opts Options, logger *zap.Logger) *Queue {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Queue{
		db:      db,
		sender:  sender,
		bus:     b,
		sched:   sched,
		logger:  logger,
		opts:    opts,
		waiters: make(map[string]chan struct{}),
	}
}

// Start consumes outbox.ack events until ctx is cancelled. Acks settle
// entries whether or not a flush is waiting on them, so an echo arriving
// long after a restart still clears the queue.
func (q *Queue) Start(ctx context.Context) {
	sub := q.bus.Subscribe("outbox.ack", 64)
	go func() {
		defer sub.Close()
		for {
			select {
			case evt := <-sub.C:
				ack, ok := evt.Payload.(protocol.Ack)
				if !ok {
					continue
				}
				if err := q.settle(ack); err != nil {
					q.logger.Warn("settling ack failed",
						zap.String("client_msg_id", ack.ClientMsgID), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Enqueue persists a message for delivery and upserts it optimistically
// into the local chat view. Returns the client-generated id. Never
// touches the network; Flush does the sending.
func (q *Queue) Enqueue(chatID, body string) (string, error) {
	localID := uuid.NewString()
	if err := q.db.QueueOutbox(localID, chatID, body); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}
	if err := q.upsertLocal(chatID, localID, body, time.Now().UnixMilli()); err != nil {
		return "", err
	}
	return localID, nil
}

// ScheduleSend holds a message until sendAt, then promotes it to pending
// and flushes. Survives restarts: due entries are also promoted by the
// periodic RetryTick.
func (q *Queue) ScheduleSend(chatID, body string, sendAt time.Time) (string, error) {
	localID := uuid.NewString()
	if err := q.db.QueueScheduled(localID, chatID, body, sendAt.UnixMilli()); err != nil {
		return "", fmt.Errorf("schedule message: %w", err)
	}
	if err := q.upsertLocal(chatID, localID, body, sendAt.UnixMilli()); err != nil {
		return "", err
	}
	if q.sched != nil {
		q.sched.At("outbox.send."+localID, sendAt, func(ctx context.Context) error {
			if err := q.db.PromoteScheduled(localID); err != nil {
				return err
			}
			return q.Flush(ctx)
		})
	}
	return localID, nil
}

// Retry moves a failed entry back to pending with a fresh attempt budget
// and flushes.
func (q *Queue) Retry(ctx context.Context, localID string) error {
	if err := q.db.ResetOutbox(localID); err != nil {
		return err
	}
	return q.Flush(ctx)
}

// Discard drops a failed entry and its optimistic local message.
func (q *Queue) Discard(localID string) error {
	entry, err := q.db.GetOutbox(localID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("outbox entry %s not found", localID)
	}
	if err := q.db.DeleteOutbox(localID); err != nil {
		return err
	}
	if err := q.db.DeleteMessageByClientID(localID); err != nil {
		return err
	}
	q.bus.Emit("message.discarded", map[string]string{"chat_id": entry.ChatID, "client_msg_id": localID})
	return nil
}

// RetryTick is the periodic background pass: promotes due scheduled
// entries and flushes whatever is pending. Registered with the scheduler
// by the engine; also safe to call directly.
func (q *Queue) RetryTick(ctx context.Context) error {
	due, err := q.db.DueScheduled(time.Now().UnixMilli())
	if err != nil {
		return err
	}
	for _, entry := range due {
		if err := q.db.PromoteScheduled(entry.ClientMsgID); err != nil {
			return err
		}
	}
	return q.Flush(ctx)
}

// Flush delivers pending entries in per-chat creation order, waiting for
// each ack before sending the next message of the same chat. At most one
// flush runs at a time; delivery is at-least-once and the server dedupes
// by client id. A disconnect mid-flush leaves the rest pending.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	if q.sender.State() != conn.Connected {
		return nil
	}

	entries, err := q.db.PendingOutbox()
	if err != nil {
		return err
	}

	skipChat := ""
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.ChatID == skipChat {
			continue // keep per-chat order behind the stuck message
		}
		switch err := q.deliver(ctx, entry); {
		case err == nil:
		case errors.Is(err, ErrDeliveryTimeout):
			skipChat = entry.ChatID
		case errors.Is(err, conn.ErrNotConnected):
			// Connection dropped mid-flush: everything left stays
			// pending for the next Connected transition.
			return nil
		default:
			return err
		}
	}
	return nil
}

// deliver sends one entry and waits for its ack. ErrDeliveryTimeout
// means the entry is still unsettled; ErrNotConnected means the
// transport gave out before the send.
func (q *Queue) deliver(ctx context.Context, entry store.OutboxEntry) error {
	ch := q.registerWaiter(entry.ClientMsgID)
	defer q.removeWaiter(entry.ClientMsgID)

	if err := q.sender.Send(protocol.SendMessage(entry.ChatID, entry.ClientMsgID, entry.Body)); err != nil {
		q.logger.Warn("send failed", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		return conn.ErrNotConnected
	}

	select {
	case <-ch:
		return nil
	case <-time.After(q.opts.AckTimeout):
		q.logger.Warn("ack timeout", zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("chat_id", entry.ChatID))
		if err := q.recordAttempt(entry); err != nil {
			return err
		}
		return ErrDeliveryTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) recordAttempt(entry store.OutboxEntry) error {
	attempts, err := q.db.BumpAttempts(entry.ClientMsgID)
	if err != nil {
		return err
	}
	if attempts < q.opts.MaxRetries {
		return nil
	}
	if err := q.db.MarkOutboxFailed(entry.ClientMsgID, "delivery attempts exhausted"); err != nil {
		return err
	}
	q.bus.Emit("message.send_failed", SendFailure{
		ChatID:      entry.ChatID,
		ClientMsgID: entry.ClientMsgID,
		Attempts:    attempts,
	})
	return nil
}

// settle finalizes an acknowledged entry: the local message takes on its
// server identity and the durable record is deleted. Idempotent, so the
// explicit ack frame and the own-message echo can both arrive.
func (q *Queue) settle(ack protocol.Ack) error {
	entry, err := q.db.GetOutbox(ack.ClientMsgID)
	if err != nil {
		return err
	}
	if entry != nil {
		chatID := ack.ChatID
		if chatID == "" {
			chatID = entry.ChatID
		}
		if ack.MessageID != "" {
			if err := store.ConfirmSentIn(q.db, chatID, ack.ClientMsgID, ack.MessageID); err != nil {
				return err
			}
		}
		if err := q.db.DeleteOutbox(ack.ClientMsgID); err != nil {
			return err
		}
		q.bus.Emit("message.sent", map[string]string{
			"chat_id": chatID, "client_msg_id": ack.ClientMsgID, "msg_id": ack.MessageID,
		})
	}

	q.mu.Lock()
	if ch, ok := q.waiters[ack.ClientMsgID]; ok {
		close(ch)
		delete(q.waiters, ack.ClientMsgID)
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) upsertLocal(chatID, localID, body string, sentAt int64) error {
	if err := q.db.UpsertMessage(&store.Message{
		ChatID:      chatID,
		MsgID:       localID, // rekeyed to the server id on ack
		ClientMsgID: localID,
		Body:        body,
		FromMe:      true,
		Status:      store.StatusPending,
		SentAt:      sentAt,
	}); err != nil {
		return fmt.Errorf("upsert local message: %w", err)
	}
	if err := store.TouchChatIn(q.db, chatID, body, sentAt); err != nil {
		return err
	}
	q.bus.Emit("message.upserted", map[string]string{"chat_id": chatID, "msg_id": localID})
	return nil
}

func (q *Queue) registerWaiter(clientMsgID string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan struct{})
	q.waiters[clientMsgID] = ch
	return ch
}

func (q *Queue) removeWaiter(clientMsgID string) {
	q.mu.Lock()
	delete(q.waiters, clientMsgID)
	q.mu.Unlock()
}
