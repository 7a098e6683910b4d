package router

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/conn"
	"github.com/pmelo/courier/internal/presence"
	"github.com/pmelo/courier/internal/protocol"
	"github.com/pmelo/courier/internal/store"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu    sync.Mutex
	state conn.State
	sent  []protocol.Frame
	fail  error
}

func (f *fakeSender) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSender) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) setState(s conn.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeSender) frames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.sent...)
}

type fixture struct {
	db     *store.DB
	bus    *bus.Bus
	sender *fakeSender
	router *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	sender := &fakeSender{state: conn.Connected}
	return &fixture{
		db:     db,
		bus:    b,
		sender: sender,
		router: New(db, presence.NewStore(b), sender, b, zap.NewNop()),
	}
}

func frame(event, chatID string, seq int64, data string) protocol.Frame {
	return protocol.Frame{Event: event, ChatID: chatID, Seq: seq, Data: json.RawMessage(data)}
}

func recv(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case evt := <-sub.C:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
		return bus.Event{}
	}
}

func TestRouteNewMessage(t *testing.T) {
	fx := newFixture(t)

	err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 1,
		`{"message_id":"m1","sender_id":"u2","sender_name":"Bea","body":"hi","sent_at":1000}`))
	if err != nil {
		t.Fatal(err)
	}

	msg, err := fx.db.GetMessage("c1", "m1")
	if err != nil || msg == nil {
		t.Fatalf("GetMessage() = %v, %v", msg, err)
	}
	if msg.FromMe || msg.Body != "hi" {
		t.Errorf("message = %+v", msg)
	}

	chat, err := fx.db.GetChat("c1")
	if err != nil || chat == nil {
		t.Fatalf("GetChat() = %v, %v", chat, err)
	}
	if chat.UnreadCount != 1 || chat.LastMessagePreview != "hi" {
		t.Errorf("chat = %+v", chat)
	}

	wm, _ := fx.db.Watermark("c1")
	if wm != 1 {
		t.Errorf("watermark = %d, want 1", wm)
	}

	// Inbound messages from peers are confirmed back to the server.
	sent := fx.sender.frames()
	if len(sent) != 1 || sent[0].Event != protocol.EventMessageDelivered {
		t.Errorf("sent frames = %+v", sent)
	}
}

func TestRouteDuplicateHasNoSideEffects(t *testing.T) {
	fx := newFixture(t)

	raw := `{"message_id":"m1","sender_id":"u2","body":"hi","sent_at":1000}`
	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 3, raw)); err != nil {
		t.Fatal(err)
	}
	before := len(fx.sender.frames())

	// Same sequence again: dropped, no receipt, unread unchanged.
	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 3, raw)); err != nil {
		t.Fatal(err)
	}
	if got := len(fx.sender.frames()); got != before {
		t.Errorf("duplicate triggered %d extra sends", got-before)
	}
	chat, _ := fx.db.GetChat("c1")
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", chat.UnreadCount)
	}
}

func TestRouteGapPublishesSyncGap(t *testing.T) {
	fx := newFixture(t)
	sub := fx.bus.Subscribe("sync.gap", 4)
	defer sub.Close()

	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 1,
		`{"message_id":"m1","sender_id":"u2","body":"a","sent_at":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 5,
		`{"message_id":"m5","sender_id":"u2","body":"e","sent_at":5}`)); err != nil {
		t.Fatal(err)
	}

	evt := recv(t, sub)
	gap, ok := evt.Payload.(Gap)
	if !ok || gap.ChatID != "c1" || gap.From != 1 || gap.To != 5 {
		t.Errorf("gap = %+v", evt.Payload)
	}

	// The jumped-to event is still applied.
	if msg, _ := fx.db.GetMessage("c1", "m5"); msg == nil {
		t.Error("gapped event was not applied")
	}
	if wm, _ := fx.db.Watermark("c1"); wm != 5 {
		t.Errorf("watermark = %d, want 5", wm)
	}

	// The hole is also on disk, so losing the bus event cannot lose it.
	gaps, _ := fx.db.PendingGaps()
	if len(gaps) != 1 || gaps[0] != (store.Gap{ChatID: "c1", FromSeq: 1, ToSeq: 5}) {
		t.Errorf("recorded gaps = %+v", gaps)
	}
}

func TestRouteRecordsSender(t *testing.T) {
	fx := newFixture(t)

	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 1,
		`{"message_id":"m1","sender_id":"u2","sender_name":"Bea","body":"a","sent_at":1000}`)); err != nil {
		t.Fatal(err)
	}
	// A later message without a sender name keeps the known one.
	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 2,
		`{"message_id":"m2","sender_id":"u2","body":"b","sent_at":2000}`)); err != nil {
		t.Fatal(err)
	}

	u, err := fx.db.GetUser("u2")
	if err != nil || u == nil {
		t.Fatalf("GetUser() = %v, %v", u, err)
	}
	if u.Name != "Bea" || u.LastSeen != 2000 {
		t.Errorf("user = %+v", u)
	}
}

func TestRouteOwnEchoEmitsAck(t *testing.T) {
	fx := newFixture(t)
	sub := fx.bus.Subscribe("outbox.ack", 4)
	defer sub.Close()

	err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 1,
		`{"message_id":"m1","client_msg_id":"local-1","sender_id":"me","body":"mine","sent_at":1000}`))
	if err != nil {
		t.Fatal(err)
	}

	evt := recv(t, sub)
	ack, ok := evt.Payload.(protocol.Ack)
	if !ok || ack.ClientMsgID != "local-1" || ack.MessageID != "m1" {
		t.Errorf("ack = %+v", evt.Payload)
	}

	// Own messages never bump unread or trigger receipts.
	chat, _ := fx.db.GetChat("c1")
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", chat.UnreadCount)
	}
	if sent := fx.sender.frames(); len(sent) != 0 {
		t.Errorf("sent frames = %+v", sent)
	}
}

func TestRouteStatusUpdate(t *testing.T) {
	fx := newFixture(t)

	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 1,
		`{"message_id":"m1","sender_id":"u2","body":"hi","sent_at":1000}`)); err != nil {
		t.Fatal(err)
	}
	if err := fx.router.Route(frame(protocol.EventMessageStatus, "c1", 2,
		`{"message_id":"m1","status":"read"}`)); err != nil {
		t.Fatal(err)
	}

	msg, _ := fx.db.GetMessage("c1", "m1")
	if msg.Status != store.StatusRead {
		t.Errorf("status = %s, want read", msg.Status)
	}

	// A stale regression arrives later (out of order on the wire but with
	// a fresh sequence): rank gate keeps the status at read.
	if err := fx.router.Route(frame(protocol.EventMessageStatus, "c1", 3,
		`{"message_id":"m1","status":"delivered"}`)); err != nil {
		t.Fatal(err)
	}
	msg, _ = fx.db.GetMessage("c1", "m1")
	if msg.Status != store.StatusRead {
		t.Errorf("status regressed to %s", msg.Status)
	}
}

func TestRouteTyping(t *testing.T) {
	fx := newFixture(t)
	p := presence.NewStore(fx.bus)
	fx.router = New(fx.db, p, fx.sender, fx.bus, zap.NewNop())

	if err := fx.router.Route(frame(protocol.EventTyping, "c1", 0,
		`{"user_id":"u2","typing":true}`)); err != nil {
		t.Fatal(err)
	}
	if got := p.Typing("c1"); len(got) != 1 || got[0] != "u2" {
		t.Errorf("typing = %v", got)
	}

	if err := fx.router.Route(frame(protocol.EventTyping, "c1", 0,
		`{"user_id":"u2","typing":false}`)); err != nil {
		t.Fatal(err)
	}
	if got := p.Typing("c1"); len(got) != 0 {
		t.Errorf("typing = %v, want empty", got)
	}
}

func TestRouteParticipants(t *testing.T) {
	fx := newFixture(t)

	if err := fx.router.Route(frame(protocol.EventParticipantAdded, "c1", 1,
		`{"user_id":"u3","role":"member"}`)); err != nil {
		t.Fatal(err)
	}
	parts, err := fx.db.ListParticipants("c1")
	if err != nil || len(parts) != 1 || parts[0].UserID != "u3" {
		t.Fatalf("participants = %+v, %v", parts, err)
	}

	if err := fx.router.Route(frame(protocol.EventParticipantRemoved, "c1", 2,
		`{"user_id":"u3"}`)); err != nil {
		t.Fatal(err)
	}
	parts, _ = fx.db.ListParticipants("c1")
	if len(parts) != 0 {
		t.Errorf("participants = %+v, want empty", parts)
	}
}

func TestRouteChatMetadata(t *testing.T) {
	fx := newFixture(t)

	if err := fx.router.Route(frame(protocol.EventChatUpdated, "c1", 1,
		`{"name":"Ops","topic":"on call"}`)); err != nil {
		t.Fatal(err)
	}
	chat, _ := fx.db.GetChat("c1")
	if chat == nil || chat.Name != "Ops" || chat.Topic != "on call" {
		t.Errorf("chat = %+v", chat)
	}
}

func TestRouteCallSignalRelayed(t *testing.T) {
	fx := newFixture(t)
	sub := fx.bus.Subscribe("call.", 4)
	defer sub.Close()

	if err := fx.router.Route(frame(protocol.EventCallSignal, "c1", 0,
		`{"call_id":"call-1","kind":"offer","sender_id":"u2","payload":{"sdp":"x"}}`)); err != nil {
		t.Fatal(err)
	}

	evt := recv(t, sub)
	sig, ok := evt.Payload.(protocol.CallSignal)
	if !ok || sig.CallID != "call-1" || sig.Kind != "offer" {
		t.Errorf("signal = %+v", evt.Payload)
	}
}

func TestRouteMalformedDropped(t *testing.T) {
	fx := newFixture(t)

	if err := fx.router.Route(frame("message.new", "c1", 1, `{"body":"no id"}`)); err != nil {
		t.Errorf("malformed frame returned error: %v", err)
	}
	if err := fx.router.Route(frame("something.unknown", "c1", 1, `{}`)); err != nil {
		t.Errorf("unknown event returned error: %v", err)
	}
	if wm, _ := fx.db.Watermark("c1"); wm != 0 {
		t.Errorf("watermark = %d, want 0", wm)
	}
}

func TestBackfillFillsHoleBelowWatermark(t *testing.T) {
	fx := newFixture(t)

	// Live stream jumped straight to seq 5; the hole is (0, 5).
	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 5,
		`{"message_id":"m5","sender_id":"u2","body":"e","sent_at":5}`)); err != nil {
		t.Fatal(err)
	}

	for seq := int64(1); seq <= 4; seq++ {
		err := fx.router.Backfill(frame(protocol.EventNewMessage, "c1", seq,
			fmt.Sprintf(`{"message_id":"m%d","sender_id":"u2","body":"x","sent_at":1}`, seq)))
		if err != nil {
			t.Fatal(err)
		}
	}

	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if msg, _ := fx.db.GetMessage("c1", id); msg == nil {
			t.Errorf("message %s missing", id)
		}
	}
	if wm, _ := fx.db.Watermark("c1"); wm != 5 {
		t.Errorf("watermark = %d, want 5", wm)
	}

	// Re-fetching an already-applied event is a no-op.
	chatBefore, _ := fx.db.GetChat("c1")
	if err := fx.router.Backfill(frame(protocol.EventNewMessage, "c1", 2,
		`{"message_id":"m2","sender_id":"u2","body":"x","sent_at":1}`)); err != nil {
		t.Fatal(err)
	}
	chat, _ := fx.db.GetChat("c1")
	if chat.UnreadCount != chatBefore.UnreadCount {
		t.Errorf("unread = %d, want %d", chat.UnreadCount, chatBefore.UnreadCount)
	}
}

func TestReceiptsQueueWhileDisconnected(t *testing.T) {
	fx := newFixture(t)
	fx.sender.setState(conn.Disconnected)

	if err := fx.router.Route(frame(protocol.EventNewMessage, "c1", 1,
		`{"message_id":"m1","sender_id":"u2","body":"hi","sent_at":1000}`)); err != nil {
		t.Fatal(err)
	}
	if sent := fx.sender.frames(); len(sent) != 0 {
		t.Fatalf("sent while disconnected: %+v", sent)
	}

	fx.sender.setState(conn.Connected)
	fx.router.FlushReceipts()

	sent := fx.sender.frames()
	if len(sent) != 1 || sent[0].Event != protocol.EventMessageDelivered {
		t.Errorf("sent frames = %+v", sent)
	}
	var data struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(sent[0].Data, &data)
	if data.MessageID != "m1" {
		t.Errorf("receipt for %q, want m1", data.MessageID)
	}
}
