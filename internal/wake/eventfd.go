// +build linux

// Package wake provides the raw single-bit wakeables the rest of photon is
// built on: an eventfd-backed binary event and a timerfd-backed one-shot
// timer. Both are thin, allocation-free wrappers around the matching
// syscalls in golang.org/x/sys/unix.
package wake

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Event is a binary event backed by an eventfd initialized to 0. Trigger
// adds 1 to the kernel counter; WaitAndReset blocks until the counter is
// non-zero and atomically resets it to 0. There are no spurious wakes.
type Event struct {
	fd int
}

// NewEvent creates a blocking (non-EFD_NONBLOCK) eventfd, since WaitAndReset
// is meant to be called from a thread that wants to block on it directly.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "photon: eventfd2")
	}
	return &Event{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for registration with epoll.
func (e *Event) Fd() int { return e.fd }

// Trigger writes a counter increment of 1, retrying on EINTR.
func (e *Event) Trigger() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// WaitAndReset blocks until triggered, then resets the counter to 0. The
// read itself performs both the observation and the reset atomically.
func (e *Event) WaitAndReset() (uint64, error) {
	var buf [8]byte
	for {
		n, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n != 8 {
			return 0, errors.Errorf("photon: short eventfd read: %d bytes", n)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

// Dispose closes the eventfd.
func (e *Event) Dispose() error {
	return unix.Close(e.fd)
}
