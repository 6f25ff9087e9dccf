// +build linux

package wake

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Timer wraps a CLOCK_MONOTONIC, non-blocking, one-shot timerfd. Armed
// timers are registered with epoll exactly like any other descriptor; a
// fired timer is just another readable fd whose wake is routed through the
// normal readiness machinery (see internal/descriptor).
type Timer struct {
	fd int
}

// NewTimer creates a disarmed timerfd.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "photon: timerfd_create")
	}
	return &Timer{fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (t *Timer) Fd() int { return t.fd }

// Arm sets a one-shot expiry 'd' in the future, with zero interval.
func (t *Timer) Arm(d time.Duration) error {
	// A zero it_value disarms a timerfd; the soonest expiry is 1ns.
	if d <= 0 {
		d = 1
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Disarm cancels any pending expiry.
func (t *Timer) Disarm() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Drain reads and discards the expiry counter; timerfd requires this after
// every expiration or the fd stays readable forever.
func (t *Timer) Drain() {
	var buf [8]byte
	_, _ = unix.Read(t.fd, buf[:])
}

// Dispose closes the timerfd.
func (t *Timer) Dispose() error {
	return unix.Close(t.fd)
}
