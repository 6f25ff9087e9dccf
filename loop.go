// +build linux

package photon

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Shachar/photon/internal/descriptor"
)

// loop is the event-loop thread: the sole consumer of the epoll set. It
// never issues user syscalls and never runs fibers; it only translates
// readiness edges into descriptor state transitions and run-queue pushes.
func (e *engine) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.loopDone)

	if err := e.poller.Polling(e.dispatch); err != errTerminated {
		e.log.Printf("event loop exited: %v", err)
	}
}

func (e *engine) dispatch(fd int, ev uint32) error {
	switch fd {
	case e.terminate.Fd():
		// The last fiber died. Kick every worker out of its eventfd wait
		// so it observes the zero alive count, then stop polling.
		e.sched.WakeAll()
		return errTerminated
	case e.sig.fd:
		e.drainSignals()
		return nil
	}
	if fd < 0 || fd >= e.table.Len() {
		return nil
	}
	ent := e.table.Entry(fd)
	if ent.Lifecycle() != descriptor.Nonblocking {
		return nil
	}
	// Error and hangup conditions wake both directions: a parked fiber
	// must get a chance to observe them through its own syscall.
	if ev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ent.Reader.OnEpollEvent(fd)
	}
	if ev&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ent.Writer.OnEpollEvent(fd)
	}
	return nil
}

const (
	siginfoSize     = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))
	maxSiginfoBatch = 20
)

// drainSignals reads one batch of queued signalfd records and routes each
// AIO completion to its registered fiber. The signalfd is registered
// level-triggered, so a batch larger than the buffer simply re-arms.
func (e *engine) drainSignals() {
	for {
		n, err := unix.Read(e.sig.fd, e.sigBuf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < siginfoSize {
			return
		}
		for off := 0; off+siginfoSize <= n; off += siginfoSize {
			si := (*unix.SignalfdSiginfo)(unsafe.Pointer(&e.sigBuf[off]))
			if si.Signo != uint32(AIOSignal) {
				continue
			}
			if !e.sig.complete(si.Ptr, int(int32(si.Fd))) {
				e.log.Printf("completion signal for unknown token %#x", si.Ptr)
			}
		}
		return
	}
}
