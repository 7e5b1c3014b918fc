package bridge

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/events"
)

var (
	// ErrTimeout is returned by Wait when no result arrived in time.
	ErrTimeout = pkgerrors.New("single-shot request timed out")
	// ErrSuperseded is returned to a waiter whose request was replaced by a
	// newer one before it completed.
	ErrSuperseded = pkgerrors.New("single-shot request superseded")
	// ErrInvalidated is returned when the bridge is torn down while a
	// request is pending.
	ErrInvalidated = pkgerrors.New("single-shot bridge invalidated")
)

// State of a single-shot coordinator.
type State int

const (
	Idle State = iota
	Waiting
	Fulfilled
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Fulfilled:
		return "fulfilled"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Result of a single-shot request. Empty is set when the producer answered
// with an explicit empty result.
type Result struct {
	Event events.Event
	Empty bool
}

// Ticket is one outstanding single-shot request.
type Ticket struct {
	seq  uint64
	done chan struct{}

	// guarded by SingleShot.mu, written before done is closed
	result  events.Event
	empty   bool
	outcome error
}

func (t *Ticket) Seq() uint64 {
	return t.seq
}

// IssueFunc registers the bridge with the producer for one request and
// returns the matching unregistration.
type IssueFunc func(b *Bridge) (unregister func() bool, err error)

// SingleShot turns a one-off producer request into a blocking call with a
// timeout. Each context has at most one; a new request supersedes the one
// still waiting.
type SingleShot struct {
	bridge *Bridge
	issue  IssueFunc

	// op serializes producer (un)registration across Request and Wait.
	op sync.Mutex

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	cur *Ticket
	// +checklocks:mu
	seq uint64
}

// NewSingleShot binds a fresh bridge of kind to ctx in single-shot mode.
func NewSingleShot(kind string, ctx dispatch.ContextID, poster dispatch.Poster, issue IssueFunc) *SingleShot {
	s := &SingleShot{
		bridge: New(kind, poster),
		issue:  issue,
	}
	s.bridge.bindSingle(ctx, s)
	return s
}

func (s *SingleShot) Bridge() *Bridge {
	return s.bridge
}

func (s *SingleShot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Request arms a new ticket and registers the bridge with the producer for
// it. A request still in flight is superseded: its waiter is released with
// ErrSuperseded and its producer registration is dropped before the new one
// is issued, so the new ticket is only fulfilled under its own request.
func (s *SingleShot) Request() (*Ticket, error) {
	s.op.Lock()
	defer s.op.Unlock()

	if !s.bridge.IsLive() {
		return nil, ErrInvalidated
	}

	s.mu.Lock()
	if s.cur != nil && s.state == Waiting {
		s.cur.outcome = ErrSuperseded
		close(s.cur.done)
		logrus.WithField("ticket", s.cur.seq).Debug("single-shot request superseded")
	}
	// nothing is fulfilled while the old registration is released
	s.cur = nil
	s.state = Idle
	s.mu.Unlock()

	s.bridge.Detach()

	s.mu.Lock()
	s.seq++
	t := &Ticket{seq: s.seq, done: make(chan struct{})}
	s.cur = t
	s.state = Waiting
	s.mu.Unlock()

	unregister, err := s.issue(s.bridge)
	if err != nil {
		s.abort(t, err)
		return nil, pkgerrors.Wrapf(err, "failed to issue single-shot request")
	}
	if !s.bridge.Attach(unregister) {
		// torn down in between
		unregister()
		s.abort(t, ErrInvalidated)
		return nil, ErrInvalidated
	}
	return t, nil
}

func (s *SingleShot) abort(t *Ticket, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != t {
		return
	}
	if s.state == Waiting {
		t.outcome = err
		close(t.done)
	}
	s.cur = nil
	s.state = Idle
}

// Wait blocks until t is fulfilled, superseded, or invalidated, until the
// timeout elapses, or until ctx is done. A result that already arrived is
// returned even with a zero timeout. When the coordinator ends up idle the
// producer registration is released.
func (s *SingleShot) Wait(ctx context.Context, t *Ticket, timeout time.Duration) (Result, error) {
	res, err := s.await(ctx, t, timeout)
	s.finish(t)
	return res, err
}

func (s *SingleShot) await(ctx context.Context, t *Ticket, timeout time.Duration) (Result, error) {
	select {
	case <-t.done:
		return s.collect(t)
	default:
	}

	if timeout <= 0 {
		if s.expire(t) {
			return Result{}, ErrTimeout
		}
		return s.collect(t)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return s.collect(t)
	case <-timer.C:
		if s.expire(t) {
			return Result{}, ErrTimeout
		}
	case <-ctx.Done():
		if s.expire(t) {
			return Result{}, pkgerrors.Wrapf(ctx.Err(), "single-shot request %d cancelled", t.seq)
		}
	}
	return s.collect(t)
}

// expire marks t timed out if it is still the waiting ticket. When it
// returns false, t.done is already closed.
func (s *SingleShot) expire(t *Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == t && s.state == Waiting {
		s.state = TimedOut
		return true
	}
	return false
}

// collect reads the result slot once and clears it.
func (s *SingleShot) collect(t *Ticket) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.outcome != nil {
		return Result{}, t.outcome
	}
	res := Result{Event: t.result, Empty: t.empty}
	t.result = events.Event{}
	return res, nil
}

func (s *SingleShot) finish(t *Ticket) {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	mine := s.cur == t
	if mine {
		s.cur = nil
		s.state = Idle
	}
	s.mu.Unlock()

	if mine {
		s.bridge.Detach()
	}
}

// fulfill is called by the bridge with its own lock held.
func (s *SingleShot) fulfill(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.state != Waiting {
		return
	}
	s.cur.result = ev
	s.cur.empty = ev.Empty()
	s.state = Fulfilled
	close(s.cur.done)
}

// Cancel fails the waiting request, if any, with err and releases the
// producer registration. The coordinator stays usable.
func (s *SingleShot) Cancel(err error) bool {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	cancelled := false
	if s.cur != nil && s.state == Waiting {
		s.cur.outcome = err
		close(s.cur.done)
		cancelled = true
	}
	s.cur = nil
	s.state = Idle
	s.mu.Unlock()

	s.bridge.Detach()
	return cancelled
}

func (s *SingleShot) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.state == Waiting {
		s.cur.outcome = ErrInvalidated
		close(s.cur.done)
	}
	s.cur = nil
	s.state = Idle
}
