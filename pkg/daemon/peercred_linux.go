package daemon

import (
	"net"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func peerCredentials(conn *net.UnixConn) (peer, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return peer{}, pkgerrors.Wrapf(err, "failed to get raw connection")
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return peer{}, pkgerrors.Wrapf(err, "failed to control raw connection")
	}
	if credErr != nil {
		return peer{}, pkgerrors.Wrapf(credErr, "failed to get SO_PEERCRED")
	}
	return peer{UID: int(cred.Uid), PID: int(cred.Pid)}, nil
}
