// +build linux

package photon

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/Shachar/photon/internal/descriptor"
	"github.com/Shachar/photon/internal/waitnode"
	"github.com/Shachar/photon/internal/wake"
)

// PollFd is the request/result record Poll operates on, identical to
// struct pollfd.
type PollFd = unix.PollFd

// MakePollFds builds a poll request asking for the same events on every
// fd.
func MakePollFds(fds []int, events int16) []PollFd {
	out := make([]PollFd, len(fds))
	for i, fd := range fds {
		out[i] = PollFd{Fd: int32(fd), Events: events}
	}
	return out
}

// Sleep parks the fiber for d without watching any descriptor.
func (f *Fiber) Sleep(d time.Duration) {
	ms := int(d / time.Millisecond)
	if ms <= 0 && d > 0 {
		ms = 1
	}
	_, _ = f.Poll(nil, ms)
}

// Poll waits until at least one requested event is pending on fds, or
// until timeoutMs elapses (0 polls, negative waits without any descriptor
// only if fds is non-empty, matching poll(2)). The returned count equals
// the number of entries whose Revents is non-zero.
//
// The fast path answers from the descriptor table without syscalls when
// every watched state is conclusive; the slow path parks one wait node per
// watched direction plus one on a freshly armed one-shot timer, and a
// single shared gate guarantees only one of them wakes the fiber.
func (f *Fiber) Poll(fds []PollFd, timeoutMs int) (int, error) {
	e := f.eng

	if len(fds) == 0 {
		if timeoutMs <= 0 {
			return 0, nil
		}
		if _, err := f.parkOnTimer(timeoutMs, nil, nil); err != nil {
			return -1, err
		}
		return 0, nil
	}

	n, conclusive := e.pollScan(fds)
	if !conclusive {
		// Some direction is mid-syscall; only the kernel knows. One-shot
		// probe.
		pn, perr := rawPoll(fds, 0)
		if perr != nil {
			return -1, perr
		}
		if pn != 0 {
			return pn, nil
		}
	} else if n > 0 {
		return n, nil
	}

	if timeoutMs == 0 {
		return rawPoll(fds, 0)
	}
	if timeoutMs < 0 {
		// Wait forever: same slow path, no timer.
		timeoutMs = 0
	}

	var gate waitnode.Gate
	gate.Arm(f.sf)
	nodes := make([]waitnode.Node, 2*len(fds))
	ni := 0
	park := func(d *descriptor.Direction) {
		nodes[ni].Join(&gate)
		d.Park(&nodes[ni])
		ni++
	}
	enqueue := func() {
		for i := range fds {
			ent := e.table.Entry(int(fds[i].Fd))
			if ent.Lifecycle() != descriptor.Nonblocking {
				continue
			}
			if fds[i].Events&unix.POLLIN != 0 {
				park(&ent.Reader)
			}
			if fds[i].Events&unix.POLLOUT != 0 {
				park(&ent.Writer)
			}
		}
	}

	if timeoutMs > 0 {
		timedOut, err := f.parkOnTimer(timeoutMs, &gate, enqueue)
		if err != nil {
			return -1, err
		}
		if timedOut {
			return 0, nil
		}
	} else {
		enqueue()
		f.sf.Yield()
	}

	// Woken by descriptor readiness: rescan and report what is pending
	// now.
	n, conclusive = e.pollScan(fds)
	if !conclusive {
		if pn, perr := rawPoll(fds, 0); perr == nil {
			return pn, nil
		}
	}
	return n, nil
}

// parkOnTimer arms a fresh one-shot timer, routes it through the ordinary
// readiness machinery (the fired timer is just a readable descriptor whose
// wake carries the timer's fd), optionally publishes extra wait nodes via
// enqueue under the same gate, and yields. On return the timer is disarmed
// and its descriptor retired.
func (f *Fiber) parkOnTimer(ms int, gate *waitnode.Gate, enqueue func()) (timedOut bool, err error) {
	e := f.eng
	tm, err := wake.NewTimer()
	if err != nil {
		return false, err
	}
	if _, err := e.interceptFD(tm.Fd()); err != nil {
		_ = tm.Dispose()
		return false, err
	}

	var own waitnode.Gate
	if gate == nil {
		gate = &own
		gate.Arm(f.sf)
	}
	var node waitnode.Node
	node.Join(gate)
	e.table.Entry(tm.Fd()).Reader.Park(&node)
	if enqueue != nil {
		enqueue()
	}
	if err := tm.Arm(time.Duration(ms) * time.Millisecond); err != nil {
		// Nobody will fire the timer; wake ourselves through the gate so
		// the park cannot hang.
		if w := gate.Steal(); w != nil {
			w.Schedule(tm.Fd())
		}
	}

	wakeFD := f.sf.Yield()
	_ = tm.Disarm()
	// Retire the timer descriptor: clears its wait list, resets the slot,
	// closes the fd.
	_ = e.closeFD(tm.Fd())
	return wakeFD == tm.Fd(), nil
}

// pollScan is the syscall-free fast path: answer each watched direction
// from its state machine. conclusive reports whether every observed state
// was a definite Ready or Parked; any in-flight or offloaded descriptor
// forces the caller to probe the kernel instead.
func (e *engine) pollScan(fds []PollFd) (ready int, conclusive bool) {
	conclusive = true
	for i := range fds {
		fds[i].Revents = 0
		ent, err := e.interceptFD(int(fds[i].Fd))
		if err != nil {
			fds[i].Revents = unix.POLLNVAL
			ready++
			continue
		}
		if ent.Lifecycle() != descriptor.Nonblocking {
			conclusive = false
			continue
		}
		if fds[i].Events&unix.POLLIN != 0 {
			switch ent.Reader.Load() {
			case descriptor.Ready:
				fds[i].Revents |= unix.POLLIN
			case descriptor.Parked:
			default:
				conclusive = false
			}
		}
		if fds[i].Events&unix.POLLOUT != 0 {
			switch ent.Writer.Load() {
			case descriptor.Ready:
				fds[i].Revents |= unix.POLLOUT
			case descriptor.Parked:
			default:
				conclusive = false
			}
		}
		if fds[i].Revents != 0 {
			ready++
		}
	}
	return ready, conclusive
}

func rawPoll(fds []PollFd, timeoutMs int) (int, error) {
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
