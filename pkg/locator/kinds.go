package locator

import (
	"encoding/json"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/locd/pkg/bridge"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/provider"
)

// registerFunc hands b to the producer and returns the matching
// unregistration. cfg is the decoded configuration argument, if the kind
// takes one.
type registerFunc func(p provider.Producer, b *bridge.Bridge, cfg any, id provider.Identity) (func() bool, bool)

// kindSpec is one row of the On/Off table.
type kindSpec struct {
	kind   string
	onArgs int // including the handler
	offMax int
	decode func(l *Locator, arg any) (any, error)
	reg    registerFunc
}

func kindSpecs() []kindSpec {
	return []kindSpec{
		{
			kind:   events.LocationServiceState,
			onArgs: 1,
			offMax: 1,
			reg: func(p provider.Producer, b *bridge.Bridge, _ any, id provider.Identity) (func() bool, bool) {
				return func() bool { return p.UnregisterSwitchCallback(b) }, p.RegisterSwitchCallback(b, id)
			},
		},
		{
			kind:   events.LocationChange,
			onArgs: 2,
			offMax: 1,
			decode: decoder[events.LocationRequest],
			reg: func(p provider.Producer, b *bridge.Bridge, cfg any, id provider.Identity) (func() bool, bool) {
				return func() bool { return p.StopLocating(b) }, p.StartLocating(b, cfg.(events.LocationRequest), id)
			},
		},
		{
			kind:   events.GnssStatusChange,
			onArgs: 1,
			offMax: 1,
			reg: func(p provider.Producer, b *bridge.Bridge, _ any, id provider.Identity) (func() bool, bool) {
				return func() bool { return p.UnregisterGnssStatusCallback(b) }, p.RegisterGnssStatusCallback(b, id)
			},
		},
		{
			kind:   events.NmeaMessageChange,
			onArgs: 1,
			offMax: 1,
			reg: func(p provider.Producer, b *bridge.Bridge, _ any, id provider.Identity) (func() bool, bool) {
				return func() bool { return p.UnregisterNmeaMessageCallback(b) }, p.RegisterNmeaMessageCallback(b, id)
			},
		},
		{
			kind:   events.CachedGnssLocationsReporting,
			onArgs: 2,
			offMax: 1,
			decode: decoder[events.CachedGnssLocationsRequest],
			reg: func(p provider.Producer, b *bridge.Bridge, cfg any, id provider.Identity) (func() bool, bool) {
				req := cfg.(events.CachedGnssLocationsRequest)
				return func() bool { return p.UnregisterCachedLocationCallback(b) }, p.RegisterCachedLocationCallback(b, req, id)
			},
		},
		{
			kind:   events.CountryCodeChange,
			onArgs: 1,
			offMax: 1,
			reg: func(p provider.Producer, b *bridge.Bridge, _ any, id provider.Identity) (func() bool, bool) {
				return func() bool { return p.UnregisterCountryCodeCallback(b) }, p.RegisterCountryCodeCallback(b, id)
			},
		},
		{
			kind:   events.FenceStatusChange,
			onArgs: 2,
			offMax: 2,
			decode: decoder[events.GeofenceRequest],
			reg: func(p provider.Producer, b *bridge.Bridge, cfg any, id provider.Identity) (func() bool, bool) {
				fenceID, ok := p.AddFence(b, cfg.(events.GeofenceRequest), id)
				return func() bool { return p.RemoveFence(fenceID) }, ok
			},
		},
		{
			kind:   events.LocatingRequiredDataChange,
			onArgs: 2,
			offMax: 1,
			decode: decoder[events.LocatingRequiredDataConfig],
			reg: func(p provider.Producer, b *bridge.Bridge, cfg any, id provider.Identity) (func() bool, bool) {
				c := cfg.(events.LocatingRequiredDataConfig)
				return func() bool { return p.UnregisterScanResultCallback(b) }, p.RegisterScanResultCallback(b, c, id)
			},
		},
	}
}

func decoder[T any](l *Locator, arg any) (any, error) {
	v, err := decodeArg[T](arg)
	if err != nil {
		return nil, err
	}
	if err := l.validate.Struct(v); err != nil {
		return nil, pkgerrors.Wrapf(ErrInvalidArgument, "%T: %v", v, err)
	}
	return v, nil
}

// decodeArg accepts a T, a *T, or its JSON encoding.
func decodeArg[T any](arg any) (T, error) {
	var v T
	switch a := arg.(type) {
	case T:
		return a, nil
	case *T:
		if a == nil {
			return v, pkgerrors.Wrapf(ErrInvalidArgument, "nil %T", a)
		}
		return *a, nil
	case json.RawMessage:
		return unmarshalArg[T](a)
	case []byte:
		return unmarshalArg[T](a)
	case string:
		return unmarshalArg[T]([]byte(a))
	case map[string]any:
		b, err := json.Marshal(a)
		if err != nil {
			return v, pkgerrors.Wrapf(ErrInvalidArgument, "%T: %v", v, err)
		}
		return unmarshalArg[T](b)
	default:
		return v, pkgerrors.Wrapf(ErrInvalidArgument, "expected %T, got %T", v, arg)
	}
}

func unmarshalArg[T any](b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, pkgerrors.Wrapf(ErrInvalidArgument, "%T: %v", v, err)
	}
	return v, nil
}
