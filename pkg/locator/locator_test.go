package locator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/charlie0129/locd/pkg/bridge"
	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/provider"
	"github.com/charlie0129/locd/pkg/provider/gnss"
	"github.com/charlie0129/locd/pkg/router"
)

func sentence(body string) string {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X", body, cs)
}

var fix = sentence("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,190126,003.1,W")

func newLocator(t *testing.T) (*Locator, *gnss.Engine) {
	t.Helper()
	e := gnss.New(gnss.Options{})
	l, err := New(Options{Producer: e, DrainTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return l, e
}

func attach(t *testing.T, l *Locator) dispatch.ContextID {
	t.Helper()
	id, err := l.Attach(provider.Identity{UID: 1000, PID: 1, Name: t.Name()})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return id
}

// recorder is a func handler that remembers what it got.
type recorder struct {
	mu  sync.Mutex
	got []events.Event
	ch  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d events", i, n)
		}
	}
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	handlerA := newRecorder()
	// one func value, subscribed twice
	onLocation := handlerA.handle
	created, err := l.On(ctx, events.LocationChange, events.LocationRequest{}, onLocation)
	if err != nil || !created {
		t.Fatalf("first On = %v, %v", created, err)
	}
	created, err = l.On(ctx, events.LocationChange, events.LocationRequest{}, onLocation)
	if err != nil || created {
		t.Fatalf("second On = %v, %v; want no-op", created, err)
	}
	if n := l.Status().Subscriptions[events.LocationChange]; n != 1 {
		t.Fatalf("registry size = %d, want 1", n)
	}
	if n := e.Stats().Receivers[events.LocationChange]; n != 1 {
		t.Fatalf("producer registrations = %d, want 1", n)
	}

	if err := e.Feed(fix); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	handlerA.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	if handlerA.len() != 1 {
		t.Fatalf("handler called %d times, want 1", handlerA.len())
	}
}

func TestClosuresOfOneLiteralAreDistinctHandlers(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	recs := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	for _, r := range recs {
		r := r
		created, err := l.On(ctx, events.NmeaMessageChange, func(ev events.Event) { r.handle(ev) })
		if err != nil || !created {
			t.Fatalf("On = %v, %v", created, err)
		}
	}
	if n := l.Status().Subscriptions[events.NmeaMessageChange]; n != len(recs) {
		t.Fatalf("registry size = %d, want %d", n, len(recs))
	}

	if err := e.Feed(fix); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for _, r := range recs {
		r.wait(t, 1)
	}
}

func TestProducerDeath(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	handlerB := newRecorder()
	onStatus := handlerB.handle
	if _, err := l.On(ctx, events.GnssStatusChange, onStatus); err != nil {
		t.Fatalf("On: %v", err)
	}
	b, ok := l.registries[events.GnssStatusChange].Get(ctx, onStatus)
	if !ok {
		t.Fatalf("bridge not registered")
	}

	e.Die()

	// a hardware event that was already queued
	b.Deliver(events.SatelliteStatus{SatellitesNumber: 3})
	time.Sleep(20 * time.Millisecond)
	if handlerB.len() != 0 {
		t.Fatalf("delivery after producer death reached the handler")
	}

	removed, err := l.Off(ctx, events.GnssStatusChange, onStatus)
	if err != nil || removed {
		t.Fatalf("Off after death = %v, %v; want not found", removed, err)
	}

	// a dead producer refuses new subscriptions
	if _, err := l.On(ctx, events.GnssStatusChange, onStatus); !errors.Is(err, provider.ErrProducerUnavailable) {
		t.Fatalf("On with dead producer err = %v", err)
	}
	if n := l.Status().Subscriptions[events.GnssStatusChange]; n != 0 {
		t.Fatalf("failed On left %d subscriptions behind", n)
	}

	e.Restart()
	if created, err := l.On(ctx, events.GnssStatusChange, onStatus); err != nil || !created {
		t.Fatalf("On after restart = %v, %v", created, err)
	}
}

func TestRequestOnceTimeout(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	start := time.Now()
	_, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{}, 100*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 600*time.Millisecond {
		t.Fatalf("returned after %v", elapsed)
	}
	if n := e.Stats().Receivers[events.LocationChange]; n != 0 {
		t.Fatalf("bridge still registered with the producer (%d)", n)
	}
}

func TestRequestOnce(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(10 * time.Millisecond)
			if e.Stats().Receivers[events.LocationChange] > 0 {
				e.Feed(fix)
				return
			}
		}
	}()

	loc, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{}, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestOnce: %v", err)
	}
	if loc.Latitude < 48 || loc.Latitude > 48.2 {
		t.Fatalf("unexpected location %+v", loc)
	}
	if n := e.Stats().Receivers[events.LocationChange]; n != 0 {
		t.Fatalf("single-shot registration not released")
	}
}

func TestRequestOnceSupersession(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	firstErr := make(chan error, 1)
	go func() {
		_, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{}, 5*time.Second)
		firstErr <- err
	}()
	// let the first request arm
	for i := 0; i < 100 && e.Stats().Receivers[events.LocationChange] == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	secondErr := make(chan error, 1)
	go func() {
		_, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{}, 150*time.Millisecond)
		secondErr <- err
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, bridge.ErrSuperseded) {
			t.Fatalf("first err = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first request never completed")
	}
	select {
	case err := <-secondErr:
		if !errors.Is(err, bridge.ErrTimeout) {
			t.Fatalf("second err = %v, want its own timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second request never completed")
	}
}

func TestRequestOnceSupersedingRequestFilters(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	firstErr := make(chan error, 1)
	go func() {
		_, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{MaxAccuracy: 1000}, 5*time.Second)
		firstErr <- err
	}()
	for i := 0; i < 100 && e.Stats().Receivers[events.LocationChange] == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	secondErr := make(chan error, 1)
	go func() {
		loc, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{MaxAccuracy: 1}, 300*time.Millisecond)
		if err == nil {
			err = fmt.Errorf("got fix with accuracy %v", loc.Accuracy)
		}
		secondErr <- err
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, bridge.ErrSuperseded) {
			t.Fatalf("first err = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first request never completed")
	}
	// wait for the second registration
	armed := func() bool {
		st := l.Status()
		return e.Stats().Receivers[events.LocationChange] == 1 &&
			len(st.Contexts) == 1 && st.Contexts[0].SingleShot == bridge.Waiting.String()
	}
	for i := 0; i < 100 && !armed(); i++ {
		time.Sleep(5 * time.Millisecond)
	}

	// HDOP 10 is about 50m, good enough for the first request only.
	gga := sentence("GPGGA,123519,4807.038,N,01131.000,E,1,08,10.0,545.4,M,46.9,M,,")
	if err := e.Feed(gga); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := e.Feed(fix); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	select {
	case err := <-secondErr:
		if !errors.Is(err, bridge.ErrTimeout) {
			t.Fatalf("second err = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second request never completed")
	}
	if n := e.Stats().Receivers[events.LocationChange]; n != 0 {
		t.Fatalf("single-shot registration not released, %d left", n)
	}
}

func TestRequestOnceSwitchedOff(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(10 * time.Millisecond)
			if e.Stats().Receivers[events.LocationChange] > 0 {
				e.SetEnabled(false)
				return
			}
		}
	}()
	_, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{}, 2*time.Second)
	if !errors.Is(err, provider.ErrProducerUnavailable) {
		t.Fatalf("err = %v, want ErrProducerUnavailable", err)
	}
	if errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("empty result must not look like a timeout")
	}

	// switched off: refused up front
	if _, err := l.RequestOnce(context.Background(), ctx, events.SingleShotRequest{}, time.Second); !errors.Is(err, provider.ErrProducerUnavailable) {
		t.Fatalf("err = %v, want ErrProducerUnavailable", err)
	}
	if _, err := l.On(ctx, events.LocationChange, events.LocationRequest{}, "h"); !errors.Is(err, provider.ErrProducerUnavailable) {
		t.Fatalf("On while disabled err = %v", err)
	}
	if n := l.Status().Subscriptions[events.LocationChange]; n != 0 {
		t.Fatalf("refused On left %d subscriptions", n)
	}
}

func TestArgumentErrors(t *testing.T) {
	l, _ := newLocator(t)
	ctx := attach(t, l)

	tests := []struct {
		name    string
		kind    string
		args    []any
		wantErr error
	}{
		{"missing handler", events.CountryCodeChange, nil, router.ErrInvalidArity},
		{"missing config", events.LocationChange, []any{"h"}, router.ErrInvalidArity},
		{"unknown kind", "batteryChange", []any{"h"}, router.ErrUnknownKind},
		{"wrong config type", events.LocationChange, []any{42, "h"}, ErrInvalidArgument},
		{"invalid config", events.LocationChange, []any{events.LocationRequest{TimeInterval: -1}, "h"}, ErrInvalidArgument},
		{"bad fence", events.FenceStatusChange, []any{events.GeofenceRequest{Geofence: events.Geofence{Latitude: 91, Radius: 1}}, "h"}, ErrInvalidArgument},
		{"bad scan type", events.LocatingRequiredDataChange, []any{`{"type":"lte"}`, "h"}, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.On(ctx, tt.kind, tt.args...); !errors.Is(err, tt.wantErr) {
				t.Fatalf("On err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	for kind, n := range l.Status().Subscriptions {
		if n != 0 {
			t.Fatalf("%s has %d subscriptions after rejected calls", kind, n)
		}
	}

	if _, err := l.On("nope", events.CountryCodeChange, "h"); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("On(unknown ctx) err = %v", err)
	}
}

func TestStreamTokens(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	stream, cancel, err := l.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer cancel()

	if _, err := l.On(ctx, events.CountryCodeChange, "cc-handler"); err != nil {
		t.Fatalf("On: %v", err)
	}
	if _, err := l.On(ctx, events.LocationChange, []byte(`{"timeInterval":0}`), "loc-handler"); err != nil {
		t.Fatalf("On: %v", err)
	}

	e.SetCountryCode("JP", events.CountryCodeFromNetwork)
	e.Feed(fix)

	want := []struct{ name, handler string }{
		{events.CountryCodeChange, "cc-handler"},
		{events.LocationChange, "loc-handler"},
	}
	for _, w := range want {
		select {
		case ev := <-stream:
			if ev.Name != w.name || ev.Handler != w.handler {
				t.Fatalf("got %s/%s, want %s/%s", ev.Name, ev.Handler, w.name, w.handler)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", w.name)
		}
	}
}

func TestFenceOffRemovesOnlyNamedFence(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	req := events.GeofenceRequest{Geofence: events.Geofence{Latitude: 48.1173, Longitude: 11.516667, Radius: 100}}
	for _, h := range []string{"first", "second"} {
		if _, err := l.On(ctx, events.FenceStatusChange, req, h); err != nil {
			t.Fatalf("On(%s): %v", h, err)
		}
	}
	if len(e.Fences()) != 2 {
		t.Fatalf("fences = %d, want 2", len(e.Fences()))
	}

	if removed, err := l.Off(ctx, events.FenceStatusChange, req, "second"); err != nil || !removed {
		t.Fatalf("Off = %v, %v", removed, err)
	}
	fences := e.Fences()
	if len(fences) != 1 {
		t.Fatalf("fences = %d, want 1", len(fences))
	}
	b, ok := l.registries[events.FenceStatusChange].Get(ctx, "first")
	if !ok || !b.IsLive() {
		t.Fatalf("the other fence subscription must survive")
	}
}

func TestDetach(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)
	other := attach(t, l)

	h := newRecorder()
	l.On(ctx, events.NmeaMessageChange, h.handle)
	l.On(ctx, events.LocationServiceState, "switch")
	l.On(other, events.NmeaMessageChange, h.handle)

	if err := l.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := l.Detach(ctx); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("second Detach err = %v", err)
	}

	st := e.Stats()
	if st.Receivers[events.NmeaMessageChange] != 1 || st.Receivers[events.LocationServiceState] != 0 {
		t.Fatalf("producer registrations after detach: %v", st.Receivers)
	}
	if _, err := l.Off(ctx, events.NmeaMessageChange); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("Off on detached context err = %v", err)
	}
	if _, _, err := l.Stream(ctx); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("Stream on detached context err = %v", err)
	}

	s := l.Status()
	if len(s.Contexts) != 1 || s.Contexts[0].ID != other || s.Contexts[0].Subscriptions[events.NmeaMessageChange] != 1 {
		t.Fatalf("status after detach = %+v", s)
	}
}

func TestOffAll(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	for _, h := range []string{"a", "b", "c"} {
		l.On(ctx, events.GnssStatusChange, h)
	}
	if removed, err := l.Off(ctx, events.GnssStatusChange); err != nil || !removed {
		t.Fatalf("Off(all) = %v, %v", removed, err)
	}
	if n := e.Stats().Receivers[events.GnssStatusChange]; n != 0 {
		t.Fatalf("producer still holds %d registrations", n)
	}
	if removed, _ := l.Off(ctx, events.GnssStatusChange, "a"); removed {
		t.Fatalf("Off(a) after Off(all) should find nothing")
	}
}

func TestReleaseKeepsStreamedContexts(t *testing.T) {
	l, e := newLocator(t)
	ctx := attach(t, l)

	_, cancel, err := l.Stream(ctx)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := l.On(ctx, events.GnssStatusChange, "h"); err != nil {
		t.Fatalf("On: %v", err)
	}
	if released, err := l.Release(ctx); err != nil || released {
		t.Fatalf("Release with open stream = %v, %v", released, err)
	}

	cancel()
	if released, err := l.Release(ctx); err != nil || !released {
		t.Fatalf("Release without stream = %v, %v", released, err)
	}
	if n := e.Stats().Receivers[events.GnssStatusChange]; n != 0 {
		t.Fatalf("producer receivers = %d after release", n)
	}
	if _, err := l.Release(ctx); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("second Release err = %v", err)
	}
}

func TestAttachGraceDetachesContextsWithoutStream(t *testing.T) {
	e := gnss.New(gnss.Options{})
	l, err := New(Options{Producer: e, AttachGrace: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	idle := attach(t, l)
	streamed := attach(t, l)
	if _, _, err := l.Stream(streamed); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := l.On(idle, events.NmeaMessageChange, "h"); err != nil {
		t.Fatalf("On: %v", err)
	}

	for i := 0; i < 100 && len(l.Status().Contexts) > 1; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	st := l.Status()
	if len(st.Contexts) != 1 || st.Contexts[0].ID != streamed {
		t.Fatalf("contexts = %+v, want only the streamed one", st.Contexts)
	}
	if n := e.Stats().Receivers[events.NmeaMessageChange]; n != 0 {
		t.Fatalf("producer receivers = %d, want 0", n)
	}
}
