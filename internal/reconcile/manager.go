package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/protocol"
	"github.com/pmelo/courier/internal/router"
	"github.com/pmelo/courier/internal/store"
	"go.uber.org/zap"
)

const checkpointLastSync = "last_sync"

// Applier applies fetched event frames. Catch-up fetches reuse the live
// stream path, so the watermark gate decides what counts; hole fills go
// through the ungated Backfill path.
type Applier interface {
	Route(protocol.Frame) error
	Backfill(protocol.Frame) error
}

// PartialFailure reports chats whose catch-up failed while the rest
// succeeded. Failed chats are retried individually.
type PartialFailure struct {
	Failed map[string]error
}

func (e *PartialFailure) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("reconciliation failed for %d chat(s): %v", len(ids), ids)
}

// Manager fills the gap between the local store and the server after
// every reconnect: it lists changed chats, pages each chat's event log
// from the local watermark forward, and replays the events through the
// router. At most one full pass runs at a time.
type Manager struct {
	db       *store.DB
	client   *Client
	applier  Applier
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu         sync.Mutex
	syncing    bool
	reconciled map[string]bool
	failed     map[string]error
}

// NewManager creates a reconciliation manager.
func NewManager(db *store.DB, client *Client, applier Applier, b *bus.Bus, pageSize int, logger *zap.Logger) *Manager {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Manager{
		db:         db,
		client:     client,
		applier:    applier,
		bus:        b,
		logger:     logger,
		pageSize:   pageSize,
		reconciled: make(map[string]bool),
		failed:     make(map[string]error),
	}
}

// Start listens for sync.gap events and catches the affected chat up out
// of band. The event is only a prompt: the hole itself is recorded
// durably by the apply transaction and re-driven by ReconcileAll, so a
// dropped or lost event delays the fill rather than losing it. Runs
// until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	sub := m.bus.Subscribe("sync.gap", 64)
	go func() {
		defer sub.Close()
		for {
			select {
			case evt := <-sub.C:
				gap, ok := evt.Payload.(router.Gap)
				if !ok {
					continue
				}
				if err := m.BackfillRange(ctx, gap.ChatID, gap.From, gap.To); err != nil {
					m.logger.Warn("gap backfill failed",
						zap.String("chat_id", gap.ChatID), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reconciled reports whether the chat has been caught up since the last
// ReconcileAll began. Readers can use it to flag possibly stale chats.
func (m *Manager) Reconciled(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconciled[chatID]
}

// ReconcileAll catches every known chat up with the server: the union of
// locally stored chats and server-reported changed chats, so newly
// created chats are picked up too. Returns *PartialFailure when some
// chats failed; those stay queued for RetryFailed. A pass already in
// flight makes this call a no-op.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return nil
	}
	m.syncing = true
	m.reconciled = make(map[string]bool)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	started := time.Now().UnixMilli()

	since, err := m.lastSync()
	if err != nil {
		return err
	}

	summaries, err := m.client.ChangedChats(ctx, since)
	if err != nil {
		return fmt.Errorf("list changed chats: %w", err)
	}
	for _, s := range summaries {
		if err := m.db.UpsertChat(&store.Chat{
			ChatID:             s.ChatID,
			Name:               s.Name,
			Topic:              s.Topic,
			IsGroup:            s.IsGroup,
			UnreadCount:        s.UnreadCount,
			LastMessageAt:      s.LastMessageAt,
			LastMessagePreview: s.LastMessagePreview,
		}); err != nil {
			return fmt.Errorf("upsert chat %s: %w", s.ChatID, err)
		}
	}

	chatIDs, err := m.chatUnion(summaries)
	if err != nil {
		return err
	}

	failed := make(map[string]error)
	for _, chatID := range chatIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.ReconcileChat(ctx, chatID); err != nil {
			m.logger.Warn("chat reconciliation failed", zap.String("chat_id", chatID), zap.Error(err))
			failed[chatID] = err
		}
	}

	m.fillRecordedGaps(ctx, failed)

	m.mu.Lock()
	m.failed = failed
	m.mu.Unlock()

	if len(failed) > 0 {
		return &PartialFailure{Failed: failed}
	}

	if err := m.db.SetCheckpoint(checkpointLastSync, strconv.FormatInt(started, 10)); err != nil {
		return err
	}
	m.bus.Emit("sync.completed", len(chatIDs))
	m.logger.Info("reconciliation complete", zap.Int("chats", len(chatIDs)))
	return nil
}

// RetryFailed re-runs catch-up for chats that failed in the last pass.
func (m *Manager) RetryFailed(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]string, 0, len(m.failed))
	for chatID := range m.failed {
		pending = append(pending, chatID)
	}
	m.mu.Unlock()
	sort.Strings(pending)

	failed := make(map[string]error)
	for _, chatID := range pending {
		if err := m.ReconcileChat(ctx, chatID); err != nil {
			failed[chatID] = err
		}
	}

	m.fillRecordedGaps(ctx, failed)

	m.mu.Lock()
	m.failed = failed
	m.mu.Unlock()

	if len(failed) > 0 {
		return &PartialFailure{Failed: failed}
	}
	return nil
}

// ReconcileChat pages one chat's event log from the local watermark
// forward and replays it through the router. Events already applied by
// the live stream are dropped by the watermark gate, so interleaving is
// harmless.
func (m *Manager) ReconcileChat(ctx context.Context, chatID string) error {
	after, err := m.db.Watermark(chatID)
	if err != nil {
		return err
	}

	for {
		events, hasMore, err := m.client.Events(ctx, chatID, after, m.pageSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, frame := range events {
			if err := m.applier.Route(frame); err != nil {
				return err
			}
			if frame.Seq > after {
				after = frame.Seq
			}
		}
		if !hasMore {
			break
		}
	}

	m.mu.Lock()
	m.reconciled[chatID] = true
	m.mu.Unlock()
	return nil
}

// BackfillRange fills the watermark hole (from, to) for one chat. The
// live stream applied `to` out of order, so events up to and including
// it go through the ungated backfill path.
func (m *Manager) BackfillRange(ctx context.Context, chatID string, from, to int64) error {
	after := from
	for after < to {
		events, hasMore, err := m.client.Events(ctx, chatID, after, m.pageSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, frame := range events {
			if frame.Seq > to {
				// Past the hole: the normal gated path decides.
				if err := m.applier.Route(frame); err != nil {
					return err
				}
			} else if err := m.applier.Backfill(frame); err != nil {
				return err
			}
			if frame.Seq > after {
				after = frame.Seq
			}
		}
		if !hasMore {
			break
		}
	}
	if err := m.db.ClearGap(chatID, from, to); err != nil {
		return err
	}
	m.logger.Info("gap backfilled", zap.String("chat_id", chatID),
		zap.Int64("from", from), zap.Int64("to", to))
	return nil
}

// fillRecordedGaps re-drives holes the apply path recorded durably. A
// crash or a dropped sync.gap event between detection and backfill
// leaves the row behind, so the next pass picks it up here.
func (m *Manager) fillRecordedGaps(ctx context.Context, failed map[string]error) {
	gaps, err := m.db.PendingGaps()
	if err != nil {
		m.logger.Warn("listing recorded gaps failed", zap.Error(err))
		return
	}
	for _, g := range gaps {
		if ctx.Err() != nil {
			return
		}
		if err := m.BackfillRange(ctx, g.ChatID, g.FromSeq, g.ToSeq); err != nil {
			m.logger.Warn("gap backfill failed", zap.String("chat_id", g.ChatID), zap.Error(err))
			failed[g.ChatID] = err
		}
	}
}

func (m *Manager) lastSync() (int64, error) {
	raw, err := m.db.Checkpoint(checkpointLastSync)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s checkpoint %q: %w", checkpointLastSync, raw, err)
	}
	return ts, nil
}

func (m *Manager) chatUnion(summaries []ChatSummary) ([]string, error) {
	local, err := m.db.ChatIDs()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(local)+len(summaries))
	var ids []string
	for _, id := range local {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range summaries {
		if !seen[s.ChatID] {
			seen[s.ChatID] = true
			ids = append(ids, s.ChatID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
