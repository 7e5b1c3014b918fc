// Package router resolves On/Off calls by event kind.
//
// The table is built once at startup and never changes afterwards, so it
// can be shared by every client context without locking.
package router

import (
	"errors"
	"sort"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/handle"
	"github.com/charlie0129/locd/pkg/subscription"
)

var (
	// ErrInvalidArity is returned before any registry mutation when a call
	// has the wrong number or type of arguments.
	ErrInvalidArity = pkgerrors.New("invalid argument arity")
	// ErrUnknownKind is returned for kinds that have no entry.
	ErrUnknownKind = pkgerrors.New("unknown event kind")
)

// SubscribeFunc creates a subscription. args are the On arguments after the
// kind name, the handler token last. It must insert into the registry
// before registering with the producer.
type SubscribeFunc func(ctx dispatch.ContextID, args []any) error

// UnsubscribeOneFunc removes the subscription of one token.
type UnsubscribeOneFunc func(ctx dispatch.ContextID, token handle.Token) bool

// UnsubscribeAllFunc removes every subscription of a context.
type UnsubscribeAllFunc func(ctx dispatch.ContextID) bool

// Entry describes one event kind.
type Entry struct {
	Kind string

	// On takes MinArgs..MaxArgs arguments after the kind name.
	MinArgs int
	MaxArgs int
	// Off takes 0..OffMaxArgs arguments after the kind name.
	OffMaxArgs int

	Registry       *subscription.Registry
	Subscribe      SubscribeFunc
	UnsubscribeOne UnsubscribeOneFunc
	UnsubscribeAll UnsubscribeAllFunc
}

func (e *Entry) validate() error {
	switch {
	case e.Kind == "":
		return pkgerrors.New("entry without kind")
	case e.MinArgs < 1 || e.MaxArgs < e.MinArgs:
		return pkgerrors.Errorf("%s: bad On arity %d..%d", e.Kind, e.MinArgs, e.MaxArgs)
	case e.OffMaxArgs < 1:
		return pkgerrors.Errorf("%s: bad Off arity 0..%d", e.Kind, e.OffMaxArgs)
	case e.Registry == nil || e.Subscribe == nil || e.UnsubscribeOne == nil || e.UnsubscribeAll == nil:
		return pkgerrors.Errorf("%s: incomplete entry", e.Kind)
	}
	return nil
}

// Router is an immutable kind -> Entry table.
type Router struct {
	entries map[string]*Entry
}

// New builds a router. Duplicate or incomplete entries are rejected.
func New(entries ...Entry) (*Router, error) {
	r := &Router{entries: make(map[string]*Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		if err := e.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.entries[e.Kind]; ok {
			return nil, pkgerrors.Errorf("duplicate entry for %s", e.Kind)
		}
		r.entries[e.Kind] = &e
	}
	return r, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Router) Kinds() []string {
	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Lookup returns the entry for kind.
func (r *Router) Lookup(kind string) (Entry, bool) {
	e, ok := r.entries[kind]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Router) entry(kind string) (*Entry, error) {
	e, ok := r.entries[kind]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrUnknownKind, "%q", kind)
	}
	return e, nil
}

// On subscribes. It returns created=false with a nil error when the token
// is already subscribed in ctx.
func (r *Router) On(ctx dispatch.ContextID, kind string, args ...any) (bool, error) {
	e, err := r.entry(kind)
	if err != nil {
		return false, err
	}
	if len(args) < e.MinArgs || len(args) > e.MaxArgs {
		return false, pkgerrors.Wrapf(ErrInvalidArity, "%s takes %d..%d arguments, got %d", kind, e.MinArgs, e.MaxArgs, len(args))
	}
	token := args[len(args)-1]
	if token == nil {
		return false, pkgerrors.Wrapf(ErrInvalidArity, "%s: handler must not be nil", kind)
	}

	fields := logrus.Fields{
		"context": ctx,
		"kind":    kind,
		"handler": handle.Key(token),
	}

	if e.Registry.IsRegistered(ctx, token) {
		logrus.WithFields(fields).Debug("handler already subscribed")
		return false, nil
	}

	err = e.Subscribe(ctx, args)
	if errors.Is(err, subscription.ErrAlreadyRegistered) {
		// lost a race with an identical On
		logrus.WithFields(fields).Debug("handler already subscribed")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logrus.WithFields(fields).Debug("subscribed")
	return true, nil
}

// Off unsubscribes. Without arguments every subscription of ctx for kind is
// removed; otherwise the last argument is the handler token. It returns
// false with a nil error when nothing matched.
func (r *Router) Off(ctx dispatch.ContextID, kind string, args ...any) (bool, error) {
	e, err := r.entry(kind)
	if err != nil {
		return false, err
	}
	if len(args) > e.OffMaxArgs {
		return false, pkgerrors.Wrapf(ErrInvalidArity, "%s takes 0..%d arguments, got %d", kind, e.OffMaxArgs, len(args))
	}

	if len(args) == 0 {
		removed := e.UnsubscribeAll(ctx)
		logrus.WithFields(logrus.Fields{
			"context": ctx,
			"kind":    kind,
			"removed": removed,
		}).Debug("unsubscribed all")
		return removed, nil
	}

	token := args[len(args)-1]
	if token == nil {
		return false, pkgerrors.Wrapf(ErrInvalidArity, "%s: handler must not be nil", kind)
	}
	removed := e.UnsubscribeOne(ctx, token)
	logrus.WithFields(logrus.Fields{
		"context": ctx,
		"kind":    kind,
		"handler": handle.Key(token),
		"removed": removed,
	}).Debug("unsubscribed")
	return removed, nil
}
