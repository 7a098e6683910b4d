package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/conn"
	"github.com/pmelo/courier/internal/outbox"
	"github.com/pmelo/courier/internal/presence"
	"github.com/pmelo/courier/internal/protocol"
	"github.com/pmelo/courier/internal/reconcile"
	"github.com/pmelo/courier/internal/router"
	"github.com/pmelo/courier/internal/scheduler"
	"github.com/pmelo/courier/internal/store"
	"go.uber.org/zap"
)

type staticCreds string

func (s staticCreds) Current() (string, error) { return string(s), nil }
func (staticCreds) Invalidate(string)          {}

var upgrader = websocket.Upgrader{}

// chatServer is a WebSocket + REST stand-in for the real backend: it
// acks message.send frames and serves an empty event log.
type chatServer struct {
	ws   *httptest.Server
	rest *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []protocol.Frame
	restDown bool
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{}
	s.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		go s.readLoop(ws)
	}))
	s.rest = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.restDown
		s.mu.Unlock()
		if down {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/events") {
			_, _ = w.Write([]byte(`{"events":[],"has_more":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"chats":[]}`))
	}))
	t.Cleanup(s.ws.Close)
	t.Cleanup(s.rest.Close)
	return s
}

func (s *chatServer) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, frame)
		s.mu.Unlock()

		if frame.Event == protocol.EventMessageSend {
			var data struct {
				ClientMsgID string `json:"client_msg_id"`
			}
			_ = json.Unmarshal(frame.Data, &data)
			ack, _ := json.Marshal(map[string]any{
				"event":   protocol.EventMessageAck,
				"chat_id": frame.ChatID,
				"data": map[string]string{
					"client_msg_id": data.ClientMsgID,
					"message_id":    "srv-" + data.ClientMsgID,
				},
			})
			_ = ws.WriteMessage(websocket.TextMessage, ack)
		}
	}
}

func (s *chatServer) setRESTDown(down bool) {
	s.mu.Lock()
	s.restDown = down
	s.mu.Unlock()
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.ws.URL, "http")
}

// push sends a frame to the most recent client connection.
func (s *chatServer) push(t *testing.T, raw string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no client connection")
	}
	if err := s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatal(err)
	}
}

func (s *chatServer) sendsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.received {
		if f.Event == protocol.EventMessageSend {
			n++
		}
	}
	return n
}

type fixture struct {
	db       *store.DB
	bus      *bus.Bus
	server   *chatServer
	channel  *conn.Channel
	presence *presence.Store
	queue    *outbox.Queue
	engine   *Engine
}

func newFixture(t *testing.T, db *store.DB, sched scheduler.Scheduler) *fixture {
	t.Helper()
	if db == nil {
		var err error
		db, err = store.Open(filepath.Join(t.TempDir(), "courier.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = db.Close() })
		if _, err := db.Migrate(); err != nil {
			t.Fatal(err)
		}
	}

	b := bus.New()
	server := newChatServer(t)
	creds := staticCreds("tok")
	logger := zap.NewNop()

	channel := conn.NewChannel(conn.Options{
		URL:               server.wsURL(),
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  500 * time.Millisecond,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        50 * time.Millisecond,
	}, creds, b, logger)

	p := presence.NewStore(b)
	rt := router.New(db, p, channel, b, logger)
	client := reconcile.NewClient(server.rest.URL, creds, 5*time.Second)
	rec := reconcile.NewManager(db, client, rt, b, 100, logger)
	q := outbox.NewQueue(db, channel, b, nil, outbox.Options{
		AckTimeout: time.Second,
		MaxRetries: 3,
	}, logger)

	eng := New(channel, rt, rec, q, p, b, sched, Options{
		RetryInterval:               time.Minute,
		HeartbeatInterval:           50 * time.Millisecond,
		BackgroundHeartbeatInterval: time.Second,
	}, logger)
	t.Cleanup(eng.Stop)

	return &fixture{db: db, bus: b, server: server, channel: channel, presence: p, queue: q, engine: eng}
}

func (fx *fixture) waitConnected(t *testing.T) {
	t.Helper()
	current, sub := fx.channel.SubscribeState()
	defer sub.Close()
	if current == conn.Connected {
		return
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-sub.C:
			if s == conn.Connected {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for connection (state %s)", fx.channel.State())
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// A client at watermark 5 receives live events 6, 7, 8 and a duplicate
// of 6: exactly 6-8 apply, the duplicate is dropped, watermark ends at 8.
func TestLiveStreamAppliesEachEventOnce(t *testing.T) {
	fx := newFixture(t, nil, nil)

	for seq := int64(1); seq <= 5; seq++ {
		if _, err := fx.db.ApplyEvent("c1", seq, func(*sql.Tx) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}

	fx.engine.Start()
	fx.waitConnected(t)

	for _, seq := range []int64{6, 7, 8, 6} {
		fx.server.push(t, fmt.Sprintf(
			`{"event":"message.new","chat_id":"c1","seq":%d,"data":{"message_id":"m%d","sender_id":"u2","body":"x","sent_at":%d}}`,
			seq, seq, seq*1000))
	}

	waitFor(t, func() bool {
		msg, _ := fx.db.GetMessage("c1", "m8")
		return msg != nil
	}, "event 8 applied")

	if wm, _ := fx.db.Watermark("c1"); wm != 8 {
		t.Errorf("watermark = %d, want 8", wm)
	}
	chat, _ := fx.db.GetChat("c1")
	if chat.UnreadCount != 3 {
		t.Errorf("unread = %d, want 3 (duplicate re-applied?)", chat.UnreadCount)
	}
}

// A message enqueued offline survives a process restart and is delivered
// exactly once after the next connect.
func TestOfflineEnqueueDeliveredOnceAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	// First process: offline enqueue, then death.
	b := bus.New()
	q := outbox.NewQueue(db, disconnectedSender{}, b, nil, outbox.Options{}, zap.NewNop())
	localID, err := q.Enqueue("c1", "hello from the past")
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	// Second process: full engine against a live server.
	db2, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	if _, err := db2.Migrate(); err != nil {
		t.Fatal(err)
	}
	fx := newFixture(t, db2, nil)
	fx.engine.Start()
	fx.waitConnected(t)

	waitFor(t, func() bool {
		entry, _ := fx.db.GetOutbox(localID)
		return entry == nil
	}, "outbox entry acknowledged")

	// The ack rekeyed the optimistic message to its server identity.
	msg, _ := fx.db.GetMessageByClientID(localID)
	if msg == nil || msg.MsgID != "srv-"+localID {
		t.Errorf("message = %+v", msg)
	}

	time.Sleep(100 * time.Millisecond)
	if n := fx.server.sendsReceived(); n != 1 {
		t.Errorf("server received %d sends, want exactly 1", n)
	}
}

func TestSessionInvalidationClearsEphemeralState(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.engine.Start()
	fx.waitConnected(t)

	fx.server.push(t, `{"event":"typing","chat_id":"c1","data":{"user_id":"u2","typing":true}}`)
	waitFor(t, func() bool {
		return len(fx.presence.Typing("c1")) == 1
	}, "typing state")

	localID, err := fx.queue.Enqueue("c1", "still here after logout")
	if err != nil {
		t.Fatal(err)
	}

	fx.bus.Emit("session.invalidated", "token revoked")

	waitFor(t, func() bool {
		return fx.channel.State() == conn.Disconnected
	}, "disconnect")
	if got := fx.presence.Typing("c1"); len(got) != 0 {
		t.Errorf("typing = %v, want cleared", got)
	}

	// Durable state survives the logout.
	entry, _ := fx.db.GetOutbox(localID)
	if entry == nil || entry.Status != store.OutboxPending {
		t.Errorf("entry = %+v, want kept pending", entry)
	}
}

func TestForegroundTransitionsAdjustKeepalive(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.engine.Start()
	fx.waitConnected(t)

	// The relaxed heartbeat must not drop the connection.
	fx.engine.OnBackground()
	time.Sleep(200 * time.Millisecond)
	if fx.channel.State() != conn.Connected {
		t.Errorf("state = %s after backgrounding", fx.channel.State())
	}
	fx.engine.OnForeground()
	if fx.channel.State() != conn.Connected {
		t.Errorf("state = %s after foregrounding", fx.channel.State())
	}
}

// A REST outage right after connecting must not strand the store until
// the next reconnect: the engine schedules a full reconciliation retry.
func TestConnectSchedulesRetryWhenListingFails(t *testing.T) {
	sched := &fakeSched{}
	fx := newFixture(t, nil, sched)
	fx.server.setRESTDown(true)

	fx.engine.Start()
	fx.waitConnected(t)

	waitFor(t, func() bool {
		return sched.scheduled("reconcile.retry")
	}, "retry scheduled after listing failure")
}

type fakeSched struct {
	mu sync.Mutex
	at []string
}

func (f *fakeSched) Every(string, time.Duration, scheduler.Task) {}

func (f *fakeSched) At(name string, _ time.Time, _ scheduler.Task) {
	f.mu.Lock()
	f.at = append(f.at, name)
	f.mu.Unlock()
}

func (f *fakeSched) scheduled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.at {
		if n == name {
			return true
		}
	}
	return false
}

type disconnectedSender struct{}

func (disconnectedSender) Send(protocol.Frame) error { return conn.ErrNotConnected }
func (disconnectedSender) State() conn.State         { return conn.Disconnected }
