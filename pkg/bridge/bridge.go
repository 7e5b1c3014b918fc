// Package bridge carries events from producer goroutines into the client
// context that subscribed to them.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/handle"
)

// Handler receives events on the client context's loop.
type Handler func(ev events.Event)

type state int

const (
	stateNew state = iota
	stateLive
	stateDead
)

var lastID atomic.Uint64

// Bridge is the per-subscription object handed to producers.
//
// All slot mutations (Bind, Invalidate) and the liveness check in Deliver
// happen under mu, so no delivery task is ever built from a torn down
// bridge. The producer registration is released exactly once.
type Bridge struct {
	id     uint64
	kind   string
	poster dispatch.Poster

	mu sync.Mutex
	// +checklocks:mu
	state state
	// +checklocks:mu
	ctx dispatch.ContextID
	// +checklocks:mu
	token handle.Token
	// +checklocks:mu
	handler Handler
	// +checklocks:mu
	unregister func() bool
	// +checklocks:mu
	single *SingleShot

	// delivery tasks not yet run or cancelled
	flightMu sync.Mutex
	// +checklocks:flightMu
	inflight int
	// +checklocks:flightMu
	idle chan struct{}
}

// New creates an unbound bridge for one event kind.
func New(kind string, poster dispatch.Poster) *Bridge {
	return &Bridge{
		id:     lastID.Add(1),
		kind:   kind,
		poster: poster,
	}
}

func (b *Bridge) ID() uint64 {
	return b.id
}

func (b *Bridge) Kind() string {
	return b.kind
}

// Context returns the owning client context.
func (b *Bridge) Context() dispatch.ContextID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

// Token returns the handler token the bridge was bound with.
func (b *Bridge) Token() handle.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// Bind initializes the bridge once. It returns false if the bridge was
// already bound or torn down.
func (b *Bridge) Bind(ctx dispatch.ContextID, token handle.Token, h Handler) bool {
	if h == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateNew {
		return false
	}
	b.ctx = ctx
	b.token = token
	b.handler = h
	b.state = stateLive
	return true
}

func (b *Bridge) bindSingle(ctx dispatch.ContextID, s *SingleShot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateNew {
		return false
	}
	b.ctx = ctx
	b.single = s
	b.state = stateLive
	return true
}

// Attach hands the producer-side registration to the bridge. unregister is
// called at most once, by Detach or Invalidate. If the bridge is already
// dead or attached, Attach returns false and the caller keeps ownership.
func (b *Bridge) Attach(unregister func() bool) bool {
	if unregister == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateLive || b.unregister != nil {
		return false
	}
	b.unregister = unregister
	return true
}

// Attached reports whether a producer registration is held.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unregister != nil
}

// Detach releases the producer registration but keeps the bridge live.
func (b *Bridge) Detach() bool {
	b.mu.Lock()
	unregister := b.unregister
	b.unregister = nil
	b.mu.Unlock()

	if unregister == nil {
		return false
	}
	if !unregister() {
		logrus.WithFields(b.fields()).Debug("producer had already dropped the registration")
	}
	return true
}

// Deliver is called from producer goroutines. The payload is copied into the
// event before the lock is taken. Events for a dead bridge or a context that
// is gone are dropped silently.
func (b *Bridge) Deliver(payload any) {
	ev, err := events.NewEvent(b.kind, payload)
	if err != nil {
		logrus.WithFields(b.fields()).WithError(err).Error("failed to encode event payload")
		return
	}
	b.deliver(ev)
}

// DeliverEmpty signals an explicit empty result, e.g. provider disabled.
func (b *Bridge) DeliverEmpty() {
	b.deliver(events.Event{Name: b.kind})
}

func (b *Bridge) deliver(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateLive {
		logrus.WithFields(b.fieldsLocked()).Trace("dropping event for dead bridge")
		return
	}

	if b.single != nil {
		b.single.fulfill(ev)
		return
	}

	if ev.Empty() {
		logrus.WithFields(b.fieldsLocked()).Debug("dropping empty event for stream subscription")
		return
	}

	h := b.handler
	b.takeoff()
	ok := b.poster.Post(b.ctx, dispatch.Task{
		Run: func() {
			defer b.land()
			if !b.IsLive() {
				return
			}
			h(ev)
		},
		Cancel: b.land,
	})
	if !ok {
		b.land()
	}
}

func (b *Bridge) takeoff() {
	b.flightMu.Lock()
	defer b.flightMu.Unlock()
	b.inflight++
}

// land retires one delivery task and wakes Drain when none is left.
func (b *Bridge) land() {
	b.flightMu.Lock()
	defer b.flightMu.Unlock()
	b.inflight--
	if b.inflight == 0 && b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
}

// Invalidate tears the bridge down: liveness off, handler slot cleared,
// producer registration released. Only the first call does anything and
// returns true.
func (b *Bridge) Invalidate() bool {
	b.mu.Lock()
	if b.state == stateDead {
		b.mu.Unlock()
		return false
	}
	b.state = stateDead
	b.handler = nil
	unregister := b.unregister
	b.unregister = nil
	single := b.single
	fields := b.fieldsLocked()
	b.mu.Unlock()

	// Producer calls happen outside mu; producers call Deliver while
	// holding their own locks.
	if unregister != nil && !unregister() {
		logrus.WithFields(fields).Debug("producer had already dropped the registration")
	}
	if single != nil {
		single.invalidate()
	}

	logrus.WithFields(fields).Debug("bridge invalidated")
	return true
}

func (b *Bridge) IsLive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateLive
}

// Drain waits until every delivery task that references the bridge has run
// or been cancelled, or until ctx is done. Nothing is left behind when it
// gives up. Call it after Invalidate.
func (b *Bridge) Drain(ctx context.Context) error {
	b.flightMu.Lock()
	if b.inflight == 0 {
		b.flightMu.Unlock()
		return nil
	}
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	idle := b.idle
	b.flightMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return pkgerrors.Wrapf(ctx.Err(), "failed to drain bridge %d (%s)", b.id, b.kind)
	}
}

func (b *Bridge) fields() logrus.Fields {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fieldsLocked()
}

func (b *Bridge) fieldsLocked() logrus.Fields {
	return logrus.Fields{
		"bridge":  b.id,
		"kind":    b.kind,
		"context": b.ctx,
	}
}
