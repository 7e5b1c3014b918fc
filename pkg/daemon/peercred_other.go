//go:build !linux

package daemon

import (
	"net"

	pkgerrors "github.com/pkg/errors"
)

func peerCredentials(*net.UnixConn) (peer, error) {
	return peer{}, pkgerrors.New("peer credentials are only supported on linux")
}
