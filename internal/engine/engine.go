package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/conn"
	"github.com/pmelo/courier/internal/outbox"
	"github.com/pmelo/courier/internal/presence"
	"github.com/pmelo/courier/internal/reconcile"
	"github.com/pmelo/courier/internal/router"
	"github.com/pmelo/courier/internal/scheduler"
	"go.uber.org/zap"
)

// Options tunes lifecycle behavior.
type Options struct {
	RetryInterval               time.Duration
	HeartbeatInterval           time.Duration
	BackgroundHeartbeatInterval time.Duration
}

// Engine coordinates the sync machinery: it pumps inbound frames into
// the router, reacts to connection state changes (reconcile then flush
// on every Connected), and owns the session and foreground lifecycle.
type Engine struct {
	channel    *conn.Channel
	router     *router.Router
	reconciler *reconcile.Manager
	queue      *outbox.Queue
	presence   *presence.Store
	bus        *bus.Bus
	sched      scheduler.Scheduler
	logger     *zap.Logger
	opts       Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates an engine. Start brings it to life.
func New(channel *conn.Channel, rt *router.Router, rec *reconcile.Manager, q *outbox.Queue,
	p *presence.Store, b *bus.Bus, sched scheduler.Scheduler, opts Options, logger *zap.Logger) *Engine {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Minute
	}
	return &Engine{
		channel:    channel,
		router:     rt,
		reconciler: rec,
		queue:      q,
		presence:   p,
		bus:        b,
		sched:      sched,
		logger:     logger,
		opts:       opts,
	}
}

// Start launches the frame pump and state watcher and connects. Calling
// Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	e.reconciler.Start(ctx)
	e.queue.Start(ctx)
	if e.sched != nil {
		e.sched.Every("outbox.retry", e.opts.RetryInterval, e.queue.RetryTick)
	}

	e.wg.Add(3)
	go e.frameLoop(ctx)
	go e.stateLoop(ctx)
	go e.sessionLoop(ctx)

	e.channel.Connect(ctx)
}

// Stop shuts the engine down: the connection closes and in-flight
// reconciliation is cancelled. Durable outbox rows are untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.channel.Close()
	e.wg.Wait()
}

// OnSessionEstablished connects with the (restored) credential.
func (e *Engine) OnSessionEstablished() {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		e.Start()
		return
	}
	e.channel.Connect(context.Background())
}

// OnSessionInvalidated tears the connection down and clears in-memory
// state. Durable state (messages, outbox) is kept for the next login.
func (e *Engine) OnSessionInvalidated() {
	e.channel.Close()
	e.presence.Clear()
}

// OnForeground restores the aggressive heartbeat.
func (e *Engine) OnForeground() {
	if e.opts.HeartbeatInterval > 0 {
		e.channel.SetKeepaliveInterval(e.opts.HeartbeatInterval)
	}
}

// OnBackground relaxes the heartbeat to save battery and bandwidth; the
// connection itself stays up.
func (e *Engine) OnBackground() {
	if e.opts.BackgroundHeartbeatInterval > 0 {
		e.channel.SetKeepaliveInterval(e.opts.BackgroundHeartbeatInterval)
	}
}

func (e *Engine) frameLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case frame := <-e.channel.Frames():
			if err := e.router.Route(frame); err != nil {
				e.logger.Error("routing frame failed",
					zap.String("event", frame.Event), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) stateLoop(ctx context.Context) {
	defer e.wg.Done()
	current, sub := e.channel.SubscribeState()
	defer sub.Close()

	if current == conn.Connected {
		e.onConnected(ctx)
	}
	for {
		select {
		case state := <-sub.C:
			if state == conn.Connected {
				e.onConnected(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// onConnected runs the reconnect ritual: held-back receipts go out,
// reconciliation catches the store up, then the outbox drains.
func (e *Engine) onConnected(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.router.FlushReceipts()

		if err := e.reconciler.ReconcileAll(ctx); err != nil {
			e.logger.Warn("reconciliation incomplete", zap.Error(err))
			if e.sched != nil {
				// A partial failure retries just the failed chats; anything
				// else (e.g. the chat listing itself failed) retries the
				// whole pass.
				retry := e.reconciler.ReconcileAll
				var partial *reconcile.PartialFailure
				if errors.As(err, &partial) {
					retry = e.reconciler.RetryFailed
				}
				e.sched.At("reconcile.retry", time.Now().Add(e.opts.RetryInterval), retry)
			}
		}

		if err := e.queue.Flush(ctx); err != nil {
			e.logger.Warn("outbox flush failed", zap.Error(err))
		}
	}()
}

func (e *Engine) sessionLoop(ctx context.Context) {
	defer e.wg.Done()
	sub := e.bus.Subscribe("session.invalidated", 4)
	defer sub.Close()

	for {
		select {
		case <-sub.C:
			e.logger.Warn("session invalidated, disconnecting")
			e.OnSessionInvalidated()
		case <-ctx.Done():
			return
		}
	}
}
