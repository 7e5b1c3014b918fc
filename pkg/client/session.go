package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/handle"
	"github.com/charlie0129/locd/pkg/locator"
	"github.com/charlie0129/locd/pkg/router"
	"github.com/charlie0129/locd/pkg/types"
)

// Handler receives events on the session's loop, one at a time.
type Handler func(events.Event)

type handlerKey struct {
	kind  string
	token string
}

// Session is a client context on the daemon with local handlers. Events
// arrive over one SSE stream and run in order on a single loop owned by
// the session.
type Session struct {
	c    *Client
	id   string
	loop *dispatch.Loop

	mu sync.Mutex
	// +checklocks:mu
	handlers map[handlerKey]Handler
	// +checklocks:mu
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession attaches a context and waits until its event stream is ready,
// or ctx is done.
func (c *Client) NewSession(ctx context.Context, name string) (*Session, error) {
	id, err := c.Attach(name)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	body, err := c.openStream(streamCtx, "/contexts/"+id+"/events")
	if err != nil {
		cancel()
		_ = c.Detach(id)
		return nil, pkgerrors.Wrapf(err, "failed to open event stream")
	}

	s := &Session{
		c:        c,
		id:       id,
		loop:     dispatch.NewLoop(dispatch.ContextID(id)),
		handlers: make(map[handlerKey]Handler),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	ready := make(chan error, 1)
	go s.read(body, ready)

	select {
	case err = <-ready:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = s.Close()
		return nil, pkgerrors.Wrapf(err, "event stream of %s not ready", id)
	}

	logrus.WithField("context", id).Debug("session ready")
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed when the event stream ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) read(body io.ReadCloser, ready chan<- error) {
	defer close(s.done)
	defer body.Close()

	r := newSSEReader(body)
	first, err := r.next()
	if err == nil && first.name != types.ReadyEvent {
		err = pkgerrors.Errorf("unexpected first event %q", first.name)
	}
	ready <- err
	if err != nil {
		return
	}

	for {
		raw, err := r.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).WithField("context", s.id).Warn("event stream failed")
			}
			return
		}
		var ev events.Event
		if err := json.Unmarshal(raw.data, &ev); err != nil {
			logrus.WithError(err).WithField("event", raw.name).Warn("skipping malformed event")
			continue
		}
		s.dispatch(ev)
	}
}

func (s *Session) lookup(k handlerKey) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[k]
	return h, ok
}

func (s *Session) dispatch(ev events.Event) {
	k := handlerKey{kind: ev.Name, token: ev.Handler}
	if _, ok := s.lookup(k); !ok {
		logrus.WithFields(logrus.Fields{
			"kind":    ev.Name,
			"handler": ev.Handler,
		}).Trace("no local handler, dropping event")
		return
	}
	s.loop.Post(dispatch.Task{Run: func() {
		// unsubscribed while queued
		h, ok := s.lookup(k)
		if !ok {
			return
		}
		h(ev)
	}})
}

func handlerArg(arg any) (Handler, error) {
	switch h := arg.(type) {
	case Handler:
		if h != nil {
			return h, nil
		}
	case func(events.Event):
		if h != nil {
			return h, nil
		}
	}
	return nil, pkgerrors.Wrapf(locator.ErrInvalidArgument, "handler must be a func(events.Event), got %T", arg)
}

// wireArgs replaces the trailing handler with its token.
func wireArgs(args []any, token string) []any {
	out := make([]any, 0, len(args))
	out = append(out, args[:len(args)-1]...)
	return append(out, token)
}

// On subscribes h, the last argument, to kind. The same func subscribed
// twice to one kind is a no-op and created is false.
func (s *Session) On(kind string, args ...any) (created bool, err error) {
	if len(args) == 0 {
		return false, pkgerrors.Wrapf(router.ErrInvalidArity, "%s needs a handler", kind)
	}
	h, err := handlerArg(args[len(args)-1])
	if err != nil {
		return false, err
	}
	k := handlerKey{kind: kind, token: handle.Key(h)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	_, existed := s.handlers[k]
	if !existed {
		// before the call, so no early event is missed
		s.handlers[k] = h
	}
	s.mu.Unlock()

	created, err = s.c.On(s.id, kind, wireArgs(args, k.token)...)
	if err != nil && !existed {
		s.mu.Lock()
		delete(s.handlers, k)
		s.mu.Unlock()
	}
	return created, err
}

// Off unsubscribes the handler in the last argument, or every handler of
// kind when there are no arguments.
func (s *Session) Off(kind string, args ...any) (removed bool, err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrSessionClosed
	}

	if len(args) == 0 {
		removed, err = s.c.Off(s.id, kind)
		if err == nil {
			s.mu.Lock()
			for k := range s.handlers {
				if k.kind == kind {
					delete(s.handlers, k)
				}
			}
			s.mu.Unlock()
		}
		return removed, err
	}

	h, err := handlerArg(args[len(args)-1])
	if err != nil {
		return false, err
	}
	k := handlerKey{kind: kind, token: handle.Key(h)}
	removed, err = s.c.Off(s.id, kind, wireArgs(args, k.token)...)
	if err == nil {
		s.mu.Lock()
		delete(s.handlers, k)
		s.mu.Unlock()
	}
	return removed, err
}

// RequestOnce blocks for a single location. A zero timeout uses the
// daemon's default.
func (s *Session) RequestOnce(ctx context.Context, req events.SingleShotRequest, timeout time.Duration) (*events.Location, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	return s.c.RequestOnce(ctx, s.id, req, timeout)
}

// Close detaches the context, ends the stream and stops the loop. Queued
// events are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handlers = make(map[handlerKey]Handler)
	s.mu.Unlock()

	err := s.c.Detach(s.id)
	if errors.Is(err, locator.ErrUnknownContext) {
		err = nil
	}
	s.cancel()
	<-s.done
	s.loop.Close()
	return err
}
