// Package subscription tracks the live subscriptions of one event kind.
package subscription

import (
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/bridge"
	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/handle"
)

var (
	// ErrAlreadyRegistered means an equal token is already subscribed in the
	// same context. Callers treat it as a no-op.
	ErrAlreadyRegistered = pkgerrors.New("handler already registered")
	// ErrNotFound means no subscription matched. Callers treat it as a no-op.
	ErrNotFound = pkgerrors.New("subscription not found")
)

type entry struct {
	token  handle.Token
	bridge *bridge.Bridge
	// set once teardown began; the entry no longer counts as registered
	dying bool
}

// Registry maps (context, token) to the bridge serving it, for one kind.
// At most one entry exists per pair, where tokens are compared with the
// injected Equality.
type Registry struct {
	kind string
	eq   handle.Equality

	mu sync.Mutex
	// +checklocks:mu
	entries map[dispatch.ContextID][]entry
	// +checklocks:mu
	size int
}

// NewRegistry creates an empty registry. A nil eq means handle.StrictEquality.
func NewRegistry(kind string, eq handle.Equality) *Registry {
	if eq == nil {
		eq = handle.StrictEquality{}
	}
	return &Registry{
		kind:    kind,
		eq:      eq,
		entries: make(map[dispatch.ContextID][]entry),
	}
}

func (r *Registry) Kind() string {
	return r.kind
}

// +checklocks:r.mu
func (r *Registry) find(ctx dispatch.ContextID, token handle.Token) int {
	for i, e := range r.entries[ctx] {
		if !e.dying && r.eq.Equal(e.token, token) {
			return i
		}
	}
	return -1
}

// IsRegistered reports whether a live subscription exists for (ctx, token).
func (r *Registry) IsRegistered(ctx dispatch.ContextID, token handle.Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(ctx, token) >= 0
}

// Get returns the bridge serving (ctx, token).
func (r *Registry) Get(ctx dispatch.ContextID, token handle.Token) (*bridge.Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.find(ctx, token)
	if i < 0 {
		return nil, false
	}
	return r.entries[ctx][i].bridge, true
}

// Add inserts a subscription. The duplicate check and the insert happen
// under one lock; an equal token yields ErrAlreadyRegistered.
func (r *Registry) Add(ctx dispatch.ContextID, token handle.Token, b *bridge.Bridge) error {
	if b == nil {
		return pkgerrors.New("nil bridge")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(ctx, token) >= 0 {
		return pkgerrors.Wrapf(ErrAlreadyRegistered, "%s: context %s, handler %s", r.kind, ctx, handle.Key(token))
	}
	r.entries[ctx] = append(r.entries[ctx], entry{token: token, bridge: b})
	r.size++
	return nil
}

// Remove tears down and removes the subscription for (ctx, token). The
// bridge releases its producer registration before the entry disappears.
// It returns false if nothing matched or another caller removed it first.
func (r *Registry) Remove(ctx dispatch.ContextID, token handle.Token) bool {
	r.mu.Lock()
	i := r.find(ctx, token)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	r.entries[ctx][i].dying = true
	b := r.entries[ctx][i].bridge
	r.mu.Unlock()

	b.Invalidate()
	return r.drop(ctx, b)
}

// RemoveAllForContext removes every subscription of ctx and returns the
// torn down bridges so the caller can drain them.
func (r *Registry) RemoveAllForContext(ctx dispatch.ContextID) []*bridge.Bridge {
	r.mu.Lock()
	es := r.entries[ctx]
	snapshot := make([]*bridge.Bridge, 0, len(es))
	for i := range es {
		es[i].dying = true
		snapshot = append(snapshot, es[i].bridge)
	}
	r.mu.Unlock()

	return r.removeBridges(snapshot)
}

// RemoveAll removes every subscription of every context, e.g. when the
// producer died.
func (r *Registry) RemoveAll() []*bridge.Bridge {
	r.mu.Lock()
	snapshot := make([]*bridge.Bridge, 0, r.size)
	for _, es := range r.entries {
		for i := range es {
			es[i].dying = true
			snapshot = append(snapshot, es[i].bridge)
		}
	}
	r.mu.Unlock()

	return r.removeBridges(snapshot)
}

func (r *Registry) removeBridges(bs []*bridge.Bridge) []*bridge.Bridge {
	removed := bs[:0]
	for _, b := range bs {
		b.Invalidate()
		if r.drop(b.Context(), b) {
			removed = append(removed, b)
		}
	}
	if len(removed) > 0 {
		logrus.WithFields(logrus.Fields{
			"kind":    r.kind,
			"removed": len(removed),
		}).Debug("subscriptions removed")
	}
	return removed
}

// drop deletes the entry holding b.
func (r *Registry) drop(ctx dispatch.ContextID, b *bridge.Bridge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	es := r.entries[ctx]
	for i, e := range es {
		if e.bridge != b {
			continue
		}
		es = append(es[:i], es[i+1:]...)
		if len(es) == 0 {
			delete(r.entries, ctx)
		} else {
			r.entries[ctx] = es
		}
		r.size--
		return true
	}
	return false
}

// Len returns the number of subscriptions across all contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Count returns the number of subscriptions held by ctx.
func (r *Registry) Count(ctx dispatch.ContextID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[ctx])
}
