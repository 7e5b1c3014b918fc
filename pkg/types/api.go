package types

import (
	"encoding/json"

	"github.com/charlie0129/locd/pkg/events"
)

// AttachRequest opens a client context.
type AttachRequest struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	UID  int    `json:"uid"`
}

type AttachResponse struct {
	ID string `json:"id"`
}

// SubscriptionRequest is the body of both on and off. Args are the call
// arguments after the kind. For on the last one is the handler token, a
// JSON string.
type SubscriptionRequest struct {
	Kind string            `json:"kind" binding:"required"`
	Args []json.RawMessage `json:"args"`
}

type OnResponse struct {
	Created bool `json:"created"`
}

type OffResponse struct {
	Removed bool `json:"removed"`
}

// RequestOnceRequest asks for a single location. A zero TimeoutMs uses the
// daemon's default.
type RequestOnceRequest struct {
	Request   events.SingleShotRequest `json:"request"`
	TimeoutMs int                      `json:"timeoutMs"`
}

// CountryCodeRequest sets the country code reported to subscribers.
type CountryCodeRequest struct {
	Country string                 `json:"country" binding:"required,alpha,len=2"`
	Type    events.CountryCodeType `json:"type"`
}

// ErrorResponse carries a failed call. Kind names the error class so
// clients can map it back.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Error kinds in ErrorResponse.
const (
	ErrKindProducerUnavailable = "producerUnavailable"
	ErrKindTimeout             = "timeout"
	ErrKindSuperseded          = "superseded"
	ErrKindInvalidArgument     = "invalidArgument"
	ErrKindUnknownContext      = "unknownContext"
	ErrKindInternal            = "internal"
)

// ReadyEvent is the first SSE event on a context stream. Subscriptions made
// after it is received are guaranteed to reach the stream.
const ReadyEvent = "ready"
