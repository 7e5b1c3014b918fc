package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charlie0129/locd/pkg/bridge"
	"github.com/charlie0129/locd/pkg/config"
	"github.com/charlie0129/locd/pkg/daemon"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/locator"
	"github.com/charlie0129/locd/pkg/provider"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	conf := config.NewFileFromConfig(nil, filepath.Join(t.TempDir(), "config.json"))
	d, err := daemon.New(conf)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		_ = d.Close()
		srv.Close()
	})
	return newHTTPClient(srv.URL, srv.Client())
}

func newSession(t *testing.T, c *Client) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.NewSession(ctx, t.Name())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResponseError(t *testing.T) {
	tests := []struct {
		code int
		body string
		want error
	}{
		{503, `{"error":"x","kind":"producerUnavailable"}`, provider.ErrProducerUnavailable},
		{408, `{"error":"x","kind":"timeout"}`, bridge.ErrTimeout},
		{409, `{"error":"x","kind":"superseded"}`, bridge.ErrSuperseded},
		{404, `{"error":"x","kind":"unknownContext"}`, locator.ErrUnknownContext},
		{400, `{"error":"x","kind":"invalidArgument"}`, locator.ErrInvalidArgument},
		{404, `404 page not found`, ErrNotFound},
		{503, `busy`, provider.ErrProducerUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.code, tt.body), func(t *testing.T) {
			if err := responseError(tt.code, []byte(tt.body)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if err := responseError(500, []byte(`{"error":"boom","kind":"internal"}`)); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
}

func TestSSEReader(t *testing.T) {
	stream := ": comment\n" +
		"event:ready\ndata:{\"id\":\"a\"}\n\n" +
		"\n" +
		"event: locationChange\ndata: {\"name\":\"locationChange\"}\n\n" +
		"data:line1\ndata:line2\n\n"
	r := newSSEReader(strings.NewReader(stream))

	want := []sseEvent{
		{name: "ready", data: []byte(`{"id":"a"}`)},
		{name: "locationChange", data: []byte(`{"name":"locationChange"}`)},
		{data: []byte("line1\nline2")},
	}
	for i, w := range want {
		ev, err := r.next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if ev.name != w.name || string(ev.data) != string(w.data) {
			t.Fatalf("event %d = %q/%q, want %q/%q", i, ev.name, ev.data, w.name, w.data)
		}
	}
	if _, err := r.next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestSessionDelivers(t *testing.T) {
	c := newTestClient(t)
	s := newSession(t, c)

	var mu sync.Mutex
	var got []string
	seen := make(chan struct{}, 8)
	h := func(ev events.Event) {
		cc, err := events.DecodeAs[events.CountryCode](ev)
		if err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, cc.Country)
		mu.Unlock()
		seen <- struct{}{}
	}

	if created, err := s.On(events.CountryCodeChange, h); err != nil || !created {
		t.Fatalf("On = %v, %v", created, err)
	}
	if created, err := s.On(events.CountryCodeChange, h); err != nil || created {
		t.Fatalf("duplicate On = %v, %v", created, err)
	}

	if _, err := c.SetCountryCode("FR", events.CountryCodeFromNetwork); err != nil {
		t.Fatalf("SetCountryCode: %v", err)
	}
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}

	if removed, err := s.Off(events.CountryCodeChange, h); err != nil || !removed {
		t.Fatalf("Off = %v, %v", removed, err)
	}
	if _, err := c.SetCountryCode("DE", events.CountryCodeFromNetwork); err != nil {
		t.Fatalf("SetCountryCode: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "FR" {
		t.Fatalf("handler saw %v, want [FR]", got)
	}
}

func TestSessionRequestOnce(t *testing.T) {
	c := newTestClient(t)
	s := newSession(t, c)

	_, err := s.RequestOnce(context.Background(), events.SingleShotRequest{}, 50*time.Millisecond)
	if !errors.Is(err, bridge.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	if _, err := c.SetSwitch(false); err != nil {
		t.Fatalf("SetSwitch: %v", err)
	}
	_, err = s.RequestOnce(context.Background(), events.SingleShotRequest{}, time.Second)
	if !errors.Is(err, provider.ErrProducerUnavailable) {
		t.Fatalf("err = %v, want ErrProducerUnavailable", err)
	}
}

func TestSessionErrors(t *testing.T) {
	c := newTestClient(t)
	s := newSession(t, c)

	if _, err := s.On(events.LocationChange); err == nil {
		t.Fatalf("On without handler should fail")
	}
	if _, err := s.On(events.LocationChange, "not a func"); !errors.Is(err, locator.ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
	h := func(events.Event) {}
	if _, err := s.On(events.LocationChange, h); !errors.Is(err, locator.ErrInvalidArgument) {
		t.Fatalf("missing config err = %v", err)
	}
	if _, err := s.On("batteryChange", h); !errors.Is(err, locator.ErrInvalidArgument) {
		t.Fatalf("unknown kind err = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("stream still open after Close")
	}
	if _, err := s.On(events.CountryCodeChange, h); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("On after Close err = %v", err)
	}
	if err := c.Detach(s.ID()); !errors.Is(err, locator.ErrUnknownContext) {
		t.Fatalf("Detach after Close err = %v", err)
	}
}

func TestClientStatus(t *testing.T) {
	c := newTestClient(t)
	s := newSession(t, c)

	v, err := c.GetVersion()
	if err != nil || v == "" {
		t.Fatalf("GetVersion = %q, %v", v, err)
	}
	st, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if len(st.Locator.Contexts) != 1 || string(st.Locator.Contexts[0].ID) != s.ID() || st.Locator.Contexts[0].Streams != 1 {
		t.Fatalf("status = %+v", st.Locator)
	}
	if _, err := c.RestartProducer(); err != nil {
		t.Fatalf("RestartProducer: %v", err)
	}
	if _, err := c.Send(http.MethodPatch, "/status", ""); err == nil {
		t.Fatalf("unknown method should fail")
	}
}
