// Package dispatch moves work from producer goroutines onto the run loop of
// the client context that owns it.
package dispatch

import (
	cmap "github.com/orcaman/concurrent-map/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ContextID identifies one client's execution environment.
type ContextID string

// ErrContextExists is returned when opening a context id twice.
var ErrContextExists = pkgerrors.New("client context already exists")

// Poster posts tasks into a client context.
type Poster interface {
	Post(id ContextID, t Task) bool
}

// Dispatcher owns one Loop per client context.
//
// Tasks posted for the same context run in posting order. Nothing is
// promised across contexts.
type Dispatcher struct {
	loops cmap.ConcurrentMap[string, *Loop]
}

var _ Poster = &Dispatcher{}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{loops: cmap.New[*Loop]()}
}

// Open creates the run loop for a context.
func (d *Dispatcher) Open(id ContextID) (*Loop, error) {
	l := NewLoop(id)
	if !d.loops.SetIfAbsent(string(id), l) {
		l.Close()
		return nil, pkgerrors.Wrapf(ErrContextExists, "context %s", id)
	}
	logrus.WithField("context", id).Debug("client loop opened")
	return l, nil
}

// Close tears down the run loop of a context. Queued tasks are cancelled.
// It returns false if the context was unknown.
func (d *Dispatcher) Close(id ContextID) bool {
	l, ok := d.loops.Pop(string(id))
	if !ok {
		return false
	}
	l.Close()
	logrus.WithField("context", id).Debug("client loop closed")
	return true
}

// Post is fire-and-forget. A context that is already gone is a normal race
// with teardown: the task is dropped and false is returned.
func (d *Dispatcher) Post(id ContextID, t Task) bool {
	l, ok := d.loops.Get(string(id))
	if !ok {
		logrus.WithField("context", id).Debug("dropping task for unknown client context")
		return false
	}
	if !l.Post(t) {
		logrus.WithField("context", id).Debug("dropping task for closed client context")
		return false
	}
	return true
}

// Lookup returns the loop of a context.
func (d *Dispatcher) Lookup(id ContextID) (*Loop, bool) {
	return d.loops.Get(string(id))
}

// Contexts returns the ids of all open contexts.
func (d *Dispatcher) Contexts() []ContextID {
	keys := d.loops.Keys()
	ids := make([]ContextID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, ContextID(k))
	}
	return ids
}

// Len returns the number of open contexts.
func (d *Dispatcher) Len() int {
	return d.loops.Count()
}

// CloseAll tears down every loop.
func (d *Dispatcher) CloseAll() {
	for _, k := range d.loops.Keys() {
		d.Close(ContextID(k))
	}
}
