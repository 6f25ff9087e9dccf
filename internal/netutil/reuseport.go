// +build linux

// Package netutil provides listener plumbing for fan-out setups: several
// fibers each owning an accept loop on the same port via SO_REUSEPORT.
package netutil

import (
	"fmt"
	"net"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ListenFDs opens n SO_REUSEPORT listeners on the same address and
// returns their raw file descriptors, duplicated out of the net.Listener
// wrappers so the runtime's interceptor owns them outright. The duplicates
// are independent descriptors; closing one does not disturb its siblings.
func ListenFDs(n int, network, address string) ([]int, error) {
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ln, err := reuseport.Listen(network, address)
		if err != nil {
			closeAll(fds)
			return nil, errors.Wrapf(err, "photon: reuseport listener %d", i)
		}
		if i == 0 {
			// Later listeners must bind the exact port the first one got
			// when the caller asked for :0.
			address = ln.Addr().String()
		}
		f, err := ln.(*net.TCPListener).File()
		if err != nil {
			_ = ln.Close()
			closeAll(fds)
			return nil, errors.Wrap(err, "photon: reuseport listener dup")
		}
		// Duplicate once more: the *os.File closes its own fd when closed or
		// collected, so that fd cannot be handed out.
		fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
		// The wrappers are no longer needed; the dup keeps the socket open.
		_ = f.Close()
		_ = ln.Close()
		if err != nil {
			closeAll(fds)
			return nil, errors.Wrap(err, "photon: reuseport listener dup")
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// Addr reports the locally bound TCP address of fd, for callers that
// bound port 0.
func Addr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", errors.Wrap(err, "photon: getsockname")
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(sa.Addr[:]).String(), sa.Port), nil
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(sa.Addr[:]).String(), sa.Port), nil
	default:
		return "", errors.Errorf("photon: unexpected sockaddr %T", sa)
	}
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
