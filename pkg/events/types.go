package events

import (
	"encoding/json"
	"time"
)

// Event kind names. Each kind is its own subscription namespace.
const (
	LocationServiceState         = "locationServiceState"
	LocationChange               = "locationChange"
	GnssStatusChange             = "gnssStatusChange"
	NmeaMessageChange            = "nmeaMessageChange"
	CachedGnssLocationsReporting = "cachedGnssLocationsReporting"
	CountryCodeChange            = "countryCodeChange"
	FenceStatusChange            = "fenceStatusChange"
	LocatingRequiredDataChange   = "locatingRequiredDataChange"
)

// Kinds lists every kind the daemon serves, in a stable order.
var Kinds = []string{
	LocationServiceState,
	LocationChange,
	GnssStatusChange,
	NmeaMessageChange,
	CachedGnssLocationsReporting,
	CountryCodeChange,
	FenceStatusChange,
	LocatingRequiredDataChange,
}

// Event is one delivery to a client handler.
type Event struct {
	Name    string          `json:"name"`              // event kind
	Handler string          `json:"handler,omitempty"` // handler token, set for remote clients
	Data    json.RawMessage `json:"data,omitempty"`    // payload, owned by the event
}

// NewEvent marshals payload into a new event. The event never aliases the
// payload's memory.
func NewEvent(name string, payload any) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: b}, nil
}

// Empty reports whether the event carries no payload.
func (e Event) Empty() bool {
	return len(e.Data) == 0 || string(e.Data) == "null"
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	loc, err := events.DecodeAs[events.Location](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(loc.Latitude, loc.Longitude)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if e.Empty() {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}

// Location is a single position fix.
type Location struct {
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Altitude      float64   `json:"altitude"`
	Accuracy      float64   `json:"accuracy"`
	Speed         float64   `json:"speed"`     // m/s
	Direction     float64   `json:"direction"` // degrees from true north
	TimeStamp     time.Time `json:"timeStamp"`
	TimeSinceBoot int64     `json:"timeSinceBoot"` // ns
	Satellites    int       `json:"satellites,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// SwitchState is the payload of locationServiceState.
type SwitchState struct {
	Enabled bool `json:"enabled"`
}

// SatelliteStatus is the payload of gnssStatusChange.
type SatelliteStatus struct {
	SatellitesNumber int       `json:"satellitesNumber"`
	SatelliteIDs     []int64   `json:"satelliteIds"`
	CarrierToNoise   []int64   `json:"carrierToNoiseDensitys"`
	Altitudes        []int64   `json:"altitudes"`
	Azimuths         []int64   `json:"azimuths"`
	Constellations   []string  `json:"satelliteConstellation,omitempty"`
	TimeStamp        time.Time `json:"timeStamp"`
}

// NmeaMessage is the payload of nmeaMessageChange.
type NmeaMessage struct {
	TimeStamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// CountryCodeType tells where a country code came from.
type CountryCodeType int

const (
	CountryCodeFromLocale CountryCodeType = iota + 1
	CountryCodeFromSim
	CountryCodeFromLocation
	CountryCodeFromNetwork
)

// CountryCode is the payload of countryCodeChange.
type CountryCode struct {
	Country string          `json:"country"`
	Type    CountryCodeType `json:"type"`
}

// GeofenceTransitionEvent is what happened at a fence.
type GeofenceTransitionEvent string

const (
	GeofenceEnter GeofenceTransitionEvent = "enter"
	GeofenceExit  GeofenceTransitionEvent = "exit"
)

// GeofenceTransition is the payload of fenceStatusChange.
type GeofenceTransition struct {
	FenceID    string                  `json:"fenceId"`
	Transition GeofenceTransitionEvent `json:"transition"`
	Location   Location                `json:"location"`
}

// ScanResult is one entry of locatingRequiredDataChange.
type ScanResult struct {
	Type      string    `json:"type"` // "wifi" or "bluetooth"
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	RSSI      int       `json:"rssi"`
	Frequency int       `json:"frequency,omitempty"`
	TimeStamp time.Time `json:"timeStamp"`
}
