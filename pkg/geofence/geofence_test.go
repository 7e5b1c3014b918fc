package geofence

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/charlie0129/locd/pkg/events"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tolerance              float64
	}{
		{"same point", 31.23, 121.47, 31.23, 121.47, 0, 0.001},
		{"one degree latitude", 0, 0, 1, 0, 111195, 50},
		{"paris to london", 48.8566, 2.3522, 51.5074, -0.1278, 343500, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("Distance() = %v, want %v±%v", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestEvaluateTransitions(t *testing.T) {
	now := time.Now()
	l := NewList(0)
	id, err := l.Add(events.Geofence{Latitude: 0, Longitude: 0, Radius: 1000}, "test", now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	steps := []struct {
		lat  float64
		want []events.GeofenceTransitionEvent
	}{
		{0.1, nil}, // far away, first fix outside is silent
		{0.001, []events.GeofenceTransitionEvent{events.GeofenceEnter}},
		{0.002, nil}, // still inside
		{0.1, []events.GeofenceTransitionEvent{events.GeofenceExit}},
	}
	for i, s := range steps {
		got, expired := l.Evaluate(s.lat, 0, now)
		if len(expired) != 0 {
			t.Fatalf("step %d: unexpected expiry %v", i, expired)
		}
		if len(got) != len(s.want) {
			t.Fatalf("step %d: got %v, want %v", i, got, s.want)
		}
		for j := range got {
			if got[j].FenceID != id || got[j].Event != s.want[j] {
				t.Fatalf("step %d: got %+v, want %v", i, got[j], s.want[j])
			}
		}
	}
}

func TestFirstFixInsideEnters(t *testing.T) {
	l := NewList(0)
	l.Add(events.Geofence{Radius: 50}, "", time.Now())
	got, _ := l.Evaluate(0, 0, time.Now())
	if len(got) != 1 || got[0].Event != events.GeofenceEnter {
		t.Fatalf("got %v, want one enter", got)
	}
}

func TestExpiry(t *testing.T) {
	now := time.Now()
	l := NewList(0)
	id, _ := l.Add(events.Geofence{Radius: 50, Expiration: 1000}, "", now)
	keep, _ := l.Add(events.Geofence{Radius: 50}, "", now)

	_, expired := l.Evaluate(10, 10, now.Add(2*time.Second))
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("expired = %v, want [%s]", expired, id)
	}
	if _, ok := l.Get(id); ok {
		t.Fatalf("expired fence still present")
	}
	if _, ok := l.Get(keep); !ok {
		t.Fatalf("fence without expiration was removed")
	}
}

func TestRemoveByID(t *testing.T) {
	now := time.Now()
	l := NewList(2)
	first, _ := l.Add(events.Geofence{Radius: 1}, "a", now)
	second, _ := l.Add(events.Geofence{Radius: 1}, "b", now.Add(time.Second))
	if _, err := l.Add(events.Geofence{Radius: 1}, "c", now); !errors.Is(err, ErrFull) {
		t.Fatalf("err = %v, want ErrFull", err)
	}

	// Removing the newer fence must leave the older one alone.
	if !l.Remove(second) {
		t.Fatalf("Remove(second) = false")
	}
	if _, ok := l.Get(first); !ok {
		t.Fatalf("first fence was removed")
	}
	if l.Remove(second) {
		t.Fatalf("second Remove should fail")
	}
	if fs := l.Fences(); len(fs) != 1 || fs[0].Owner != "a" {
		t.Fatalf("Fences() = %+v", fs)
	}
}
