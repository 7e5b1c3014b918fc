package daemon

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/provider"
	"github.com/charlie0129/locd/pkg/types"
)

// peer is the kernel's view of the process on the other end of a unix
// socket connection.
type peer struct {
	UID int
	PID int
}

type peerKey struct{}

// connContext is the http.Server ConnContext hook. It stores the peer
// credentials of unix socket connections in the request context.
func connContext(ctx context.Context, conn net.Conn) context.Context {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ctx
	}
	p, err := peerCredentials(uc)
	if err != nil {
		logrus.WithError(err).Warn("failed to read peer credentials")
		return ctx
	}
	return context.WithValue(ctx, peerKey{}, p)
}

func peerFrom(ctx context.Context) (peer, bool) {
	p, ok := ctx.Value(peerKey{}).(peer)
	return p, ok
}

// callerIdentity trusts the connection over the request body. UID and PID
// from the body are only used when the transport cannot tell, e.g. in
// tests over TCP.
func callerIdentity(ctx context.Context, req types.AttachRequest) provider.Identity {
	id := provider.Identity{UID: req.UID, PID: req.PID, Name: req.Name}
	p, ok := peerFrom(ctx)
	if !ok {
		return id
	}
	if (req.UID != 0 && req.UID != p.UID) || (req.PID != 0 && req.PID != p.PID) {
		logrus.WithFields(logrus.Fields{
			"claimedUID": req.UID,
			"claimedPID": req.PID,
			"uid":        p.UID,
			"pid":        p.PID,
		}).Warn("client claimed an identity it does not have")
	}
	id.UID = p.UID
	id.PID = p.PID
	return id
}
