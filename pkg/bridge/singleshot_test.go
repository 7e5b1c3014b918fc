package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/events"
)

// fakeProducer records single-shot registrations.
type fakeProducer struct {
	mu       sync.Mutex
	receiver *Bridge
	issued   atomic.Int32
	released atomic.Int32
	fail     error
}

func (p *fakeProducer) issue(b *Bridge) (func() bool, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	p.issued.Add(1)
	p.mu.Lock()
	p.receiver = b
	p.mu.Unlock()
	return func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.receiver == nil {
			return false
		}
		p.receiver = nil
		p.released.Add(1)
		return true
	}, nil
}

func (p *fakeProducer) registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receiver != nil
}

func (p *fakeProducer) push(loc events.Location) {
	p.mu.Lock()
	r := p.receiver
	p.mu.Unlock()
	if r != nil {
		r.Deliver(loc)
	}
}

func newSingleShot(t *testing.T) (*SingleShot, *fakeProducer) {
	t.Helper()
	p := &fakeProducer{}
	d := dispatch.NewDispatcher()
	t.Cleanup(d.CloseAll)
	return NewSingleShot(events.LocationChange, "ctx", d, p.issue), p
}

func TestSingleShotFulfilled(t *testing.T) {
	s, p := newSingleShot(t)

	tk, err := s.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if s.State() != Waiting {
		t.Fatalf("state = %v, want waiting", s.State())
	}
	p.push(events.Location{Latitude: 31.2})

	res, err := s.Wait(context.Background(), tk, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	loc, _ := events.DecodeAs[events.Location](res.Event)
	if res.Empty || loc.Latitude != 31.2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}
	if p.registered() {
		t.Fatalf("producer should be unregistered after wait")
	}
}

func TestSingleShotZeroTimeoutReturnsCachedResult(t *testing.T) {
	s, p := newSingleShot(t)

	tk, _ := s.Request()
	p.push(events.Location{Latitude: 1})
	if s.State() != Fulfilled {
		t.Fatalf("state = %v, want fulfilled", s.State())
	}

	res, err := s.Wait(context.Background(), tk, 0)
	if err != nil {
		t.Fatalf("Wait(0): %v", err)
	}
	if res.Event.Empty() {
		t.Fatalf("expected cached result")
	}
}

func TestSingleShotTimeout(t *testing.T) {
	s, p := newSingleShot(t)

	tk, _ := s.Request()
	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := s.Wait(context.Background(), tk, timeout)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed < timeout {
		t.Fatalf("returned after %v, before the %v deadline", elapsed, timeout)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Fatalf("returned after %v, far past the %v deadline", elapsed, timeout)
	}
	if p.registered() || p.released.Load() != 1 {
		t.Fatalf("producer registration not released after timeout")
	}

	// A late event after the timeout has nowhere to go.
	p.push(events.Location{Latitude: 9})
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}
}

func TestSingleShotEmptyResult(t *testing.T) {
	s, _ := newSingleShot(t)

	tk, _ := s.Request()
	s.Bridge().DeliverEmpty()

	res, err := s.Wait(context.Background(), tk, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Empty {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestSingleShotSupersession(t *testing.T) {
	s, p := newSingleShot(t)

	first, _ := s.Request()
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background(), first, 5*time.Second)
		firstErr <- err
	}()

	second, err := s.Request()
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("first waiter err = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first waiter was never released")
	}

	// The first registration is released and the second request issued anew.
	if p.issued.Load() != 2 || p.released.Load() != 1 {
		t.Fatalf("issued = %d, released = %d, want 2 and 1", p.issued.Load(), p.released.Load())
	}
	p.push(events.Location{Latitude: 2})

	res, err := s.Wait(context.Background(), second, time.Second)
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	loc, _ := events.DecodeAs[events.Location](res.Event)
	if loc.Latitude != 2 {
		t.Fatalf("second waiter got %+v", loc)
	}
	if p.registered() {
		t.Fatalf("producer should be unregistered")
	}
}

func TestSingleShotInvalidateReleasesWaiter(t *testing.T) {
	s, p := newSingleShot(t)

	tk, _ := s.Request()
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Bridge().Invalidate()
	}()

	_, err := s.Wait(context.Background(), tk, 5*time.Second)
	if !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
	if p.registered() {
		t.Fatalf("producer should be unregistered")
	}
	if _, err := s.Request(); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("Request on dead bridge err = %v", err)
	}
}

func TestSingleShotIssueFailure(t *testing.T) {
	s, p := newSingleShot(t)
	p.fail = errors.New("disabled")

	if _, err := s.Request(); err == nil {
		t.Fatalf("Request should fail when the producer refuses")
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want idle", s.State())
	}
}

func TestSingleShotContextCancel(t *testing.T) {
	s, _ := newSingleShot(t)

	tk, _ := s.Request()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Wait(ctx, tk, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSingleShotCancelKeepsCoordinatorUsable(t *testing.T) {
	s, p := newSingleShot(t)
	gone := errors.New("producer gone")

	tk, _ := s.Request()
	if !s.Cancel(gone) {
		t.Fatalf("Cancel should report a cancelled waiter")
	}
	if _, err := s.Wait(context.Background(), tk, time.Second); !errors.Is(err, gone) {
		t.Fatalf("err = %v, want %v", err, gone)
	}
	if p.registered() {
		t.Fatalf("producer should be unregistered after Cancel")
	}

	tk, err := s.Request()
	if err != nil {
		t.Fatalf("Request after Cancel: %v", err)
	}
	p.push(events.Location{Latitude: 3})
	if _, err := s.Wait(context.Background(), tk, time.Second); err != nil {
		t.Fatalf("Wait after Cancel: %v", err)
	}
}
