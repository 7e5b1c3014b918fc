// Package geofence keeps circular fences and detects enter/exit transitions.
package geofence

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/locd/pkg/events"
)

// ErrFull is returned when the list already holds its maximum.
var ErrFull = pkgerrors.New("too many geofences")

const earthRadius = 6371008.8 // meters, mean radius

// Fence is one registered region.
type Fence struct {
	ID       string          `json:"id"`
	Region   events.Geofence `json:"region"`
	Owner    string          `json:"owner,omitempty"`
	Created  time.Time       `json:"created"`
	Inside   bool            `json:"inside"`
	Resolved bool            `json:"resolved"` // position relative to the fence is known
}

// Expired reports whether the fence outlived its expiration.
func (f *Fence) Expired(now time.Time) bool {
	if f.Region.Expiration <= 0 {
		return false
	}
	return now.Sub(f.Created) >= time.Duration(f.Region.Expiration)*time.Millisecond
}

// Transition is one enter/exit.
type Transition struct {
	FenceID string
	Event   events.GeofenceTransitionEvent
}

// List holds fences indexed by id. It is not safe for concurrent use.
type List struct {
	max    int
	fences map[string]*Fence
}

// NewList creates a list that holds at most limit fences. limit <= 0
// means no limit.
func NewList(limit int) *List {
	return &List{max: limit, fences: make(map[string]*Fence)}
}

// Add registers a region and returns its id.
func (l *List) Add(region events.Geofence, owner string, now time.Time) (string, error) {
	if l.max > 0 && len(l.fences) >= l.max {
		return "", pkgerrors.Wrapf(ErrFull, "limit %d", l.max)
	}
	id := uuid.NewString()
	l.fences[id] = &Fence{
		ID:      id,
		Region:  region,
		Owner:   owner,
		Created: now,
	}
	return id, nil
}

// Remove deletes the fence with id.
func (l *List) Remove(id string) bool {
	if _, ok := l.fences[id]; !ok {
		return false
	}
	delete(l.fences, id)
	return true
}

func (l *List) Get(id string) (Fence, bool) {
	f, ok := l.fences[id]
	if !ok {
		return Fence{}, false
	}
	return *f, true
}

func (l *List) Len() int {
	return len(l.fences)
}

// Fences returns a copy of all fences ordered by creation time.
func (l *List) Fences() []Fence {
	out := make([]Fence, 0, len(l.fences))
	for _, f := range l.fences {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Evaluate checks a position against every fence. Expired fences are
// removed and their ids returned. The first fix inside a fence counts as
// an enter; the first fix outside is silent.
func (l *List) Evaluate(lat, lon float64, now time.Time) (transitions []Transition, expired []string) {
	for id, f := range l.fences {
		if f.Expired(now) {
			delete(l.fences, id)
			expired = append(expired, id)
			continue
		}

		inside := Distance(lat, lon, f.Region.Latitude, f.Region.Longitude) <= f.Region.Radius
		switch {
		case !f.Resolved && inside:
			transitions = append(transitions, Transition{FenceID: id, Event: events.GeofenceEnter})
		case f.Resolved && inside != f.Inside:
			ev := events.GeofenceExit
			if inside {
				ev = events.GeofenceEnter
			}
			transitions = append(transitions, Transition{FenceID: id, Event: ev})
		}
		f.Inside = inside
		f.Resolved = true
	}

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].FenceID < transitions[j].FenceID })
	sort.Strings(expired)
	return transitions, expired
}

// Distance returns the great-circle distance in meters (haversine).
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := (lat2 - lat1) * math.Pi / 180
	dλ := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dφ/2)*math.Sin(dφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	return 2 * earthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
