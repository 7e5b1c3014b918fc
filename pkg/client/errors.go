package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/locd/pkg/bridge"
	"github.com/charlie0129/locd/pkg/locator"
	"github.com/charlie0129/locd/pkg/provider"
	"github.com/charlie0129/locd/pkg/types"
)

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon for
	// something other than a client context
	ErrNotFound = errors.New("404 not found")

	// ErrSessionClosed is returned by Session calls after Close.
	ErrSessionClosed = errors.New("session closed")
)

// responseError turns a non-2xx response into an error wrapping the same
// sentinel the daemon classified it as.
func responseError(code int, body []byte) error {
	var resp types.ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		resp.Error = strings.TrimSpace(string(body))
	}

	var sentinel error
	switch resp.Kind {
	case types.ErrKindProducerUnavailable:
		sentinel = provider.ErrProducerUnavailable
	case types.ErrKindTimeout:
		sentinel = bridge.ErrTimeout
	case types.ErrKindSuperseded:
		sentinel = bridge.ErrSuperseded
	case types.ErrKindUnknownContext:
		sentinel = locator.ErrUnknownContext
	case types.ErrKindInvalidArgument:
		sentinel = locator.ErrInvalidArgument
	default:
		switch code {
		case http.StatusNotFound:
			sentinel = ErrNotFound
		case http.StatusServiceUnavailable:
			sentinel = provider.ErrProducerUnavailable
		case http.StatusRequestTimeout:
			sentinel = bridge.ErrTimeout
		}
	}

	if sentinel == nil {
		return fmt.Errorf("got %d: %s", code, resp.Error)
	}
	return pkgerrors.Wrapf(sentinel, "got %d: %s", code, resp.Error)
}
