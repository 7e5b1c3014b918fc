// Package provider declares what the subscription core needs from a
// location producer. One register/unregister pair per event kind; the core
// only ever hands its bridges to these calls.
package provider

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/locd/pkg/events"
)

// ErrProducerUnavailable is returned when a producer refuses a registration,
// e.g. because it is switched off or dead.
var ErrProducerUnavailable = pkgerrors.New("producer unavailable")

// Receiver is the remote-facing side of a bridge. Producers call it from
// their own goroutines. Payloads are copied by the receiver.
type Receiver interface {
	Deliver(payload any)
	DeliverEmpty()
}

// Identity describes the client behind a registration.
type Identity struct {
	UID  int    `json:"uid"`
	PID  int    `json:"pid"`
	Name string `json:"name,omitempty"`
}

type SwitchProducer interface {
	RegisterSwitchCallback(r Receiver, id Identity) bool
	UnregisterSwitchCallback(r Receiver) bool
	Enabled() bool
}

type LocatingProducer interface {
	StartLocating(r Receiver, req events.LocationRequest, id Identity) bool
	StopLocating(r Receiver) bool
}

type GnssStatusProducer interface {
	RegisterGnssStatusCallback(r Receiver, id Identity) bool
	UnregisterGnssStatusCallback(r Receiver) bool
}

type NmeaProducer interface {
	RegisterNmeaMessageCallback(r Receiver, id Identity) bool
	UnregisterNmeaMessageCallback(r Receiver) bool
}

type CachedLocationsProducer interface {
	RegisterCachedLocationCallback(r Receiver, req events.CachedGnssLocationsRequest, id Identity) bool
	UnregisterCachedLocationCallback(r Receiver) bool
}

type CountryCodeProducer interface {
	RegisterCountryCodeCallback(r Receiver, id Identity) bool
	UnregisterCountryCodeCallback(r Receiver) bool
	CountryCode() events.CountryCode
}

// GeofenceProducer indexes fences by id. RemoveFence removes exactly the
// fence AddFence returned.
type GeofenceProducer interface {
	AddFence(r Receiver, req events.GeofenceRequest, id Identity) (fenceID string, ok bool)
	RemoveFence(fenceID string) bool
}

type ScanResultProducer interface {
	RegisterScanResultCallback(r Receiver, cfg events.LocatingRequiredDataConfig, id Identity) bool
	UnregisterScanResultCallback(r Receiver) bool
}

// Lifecycle reports producer death. The returned func stops watching.
type Lifecycle interface {
	WatchDeath(fn func()) (cancel func())
	Alive() bool
}

// Producer is everything the core consumes.
type Producer interface {
	SwitchProducer
	LocatingProducer
	GnssStatusProducer
	NmeaProducer
	CachedLocationsProducer
	CountryCodeProducer
	GeofenceProducer
	ScanResultProducer
	Lifecycle
}
