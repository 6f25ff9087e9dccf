// +build linux

package photon

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/Shachar/photon/internal/descriptor"
	"github.com/Shachar/photon/internal/scheduler"
	"github.com/Shachar/photon/internal/waitnode"
)

// Fiber is the handle a fiber entry function receives. All intercepted
// POSIX operations hang off it; code outside a fiber uses the syscall
// package directly and gets ordinary blocking behavior. Each operation
// returns the usual count plus a unix.Errno-compatible error, with
// would-block and EINTR consumed internally.
type Fiber struct {
	sf  *scheduler.Fiber
	eng *engine
}

// Yield parks the fiber until an external wakeup (an AIO completion
// routed through AIORegister, or any other Schedule) and returns the wake
// fd it carried.
func (f *Fiber) Yield() int { return f.sf.Yield() }

// WorkerIndex reports which worker thread this fiber is bound to.
func (f *Fiber) WorkerIndex() int { return f.sf.Worker() }

// Spawn schedules a sibling fiber on the same runtime.
func (f *Fiber) Spawn(entry func(*Fiber)) {
	f.eng.sched.Spawn(func(sf *scheduler.Fiber) {
		entry(&Fiber{sf: sf, eng: f.eng})
	})
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// interceptFD lazily adopts fd into the runtime: register it with epoll
// edge-triggered for both directions and mark it nonblocking, or, if the
// kernel refuses it as non-pollable (EPERM: regular file, block device),
// route it to the blocking offload pool instead. Concurrent first calls
// race through the Initializing lifecycle; exactly one does the setup.
// A second call on an adopted fd is a no-op.
func (e *engine) interceptFD(fd int) (*descriptor.Entry, error) {
	if fd < 0 || fd >= e.table.Len() {
		return nil, unix.EBADF
	}
	ent := e.table.Entry(fd)
	for {
		switch ent.Lifecycle() {
		case descriptor.Nonblocking, descriptor.Threadpool:
			return ent, nil
		case descriptor.Initializing:
			runtime.Gosched()
		case descriptor.NotInited:
			if !ent.CASLifecycle(descriptor.NotInited, descriptor.Initializing) {
				continue
			}
			// The slot may hold another descriptor's post-close residue;
			// this fd starts from the fresh states.
			ent.Reader.Prime(descriptor.Parked)
			ent.Writer.Prime(descriptor.Ready)
			if err := e.poller.AddReadWriteEdge(fd); err != nil {
				if err == unix.EPERM {
					ent.CASLifecycle(descriptor.Initializing, descriptor.Threadpool)
					continue
				}
				ent.ResetLifecycle()
				return nil, err
			}
			if err := setNonblock(fd); err != nil {
				_ = e.poller.Delete(fd)
				ent.ResetLifecycle()
				return nil, err
			}
			ent.CASLifecycle(descriptor.Initializing, descriptor.Nonblocking)
		}
	}
}

func setNonblock(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if flags&unix.O_NONBLOCK != 0 {
		return nil
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	return err
}

// offload runs call on the blocking pool and parks the fiber until it
// completes. call closes over its own result slots.
func (f *Fiber) offload(call func()) error {
	if err := f.eng.pool.Offload(f.sf, -1, call); err != nil {
		return err
	}
	f.sf.Yield()
	return nil
}

// Read reads up to len(p) bytes from fd, parking the fiber while the
// kernel has nothing. Like a blocking read it returns as soon as at least
// one byte is available; 0 means end of stream.
func (f *Fiber) Read(fd int, p []byte) (int, error) {
	ent, err := f.eng.interceptFD(fd)
	if err != nil {
		return -1, err
	}
	if ent.Lifecycle() == descriptor.Threadpool {
		var n int
		var rerr error
		if oerr := f.offload(func() { n, rerr = unix.Read(fd, p) }); oerr != nil {
			return -1, oerr
		}
		return n, rerr
	}
	d := &ent.Reader
	for {
		var node waitnode.Node
		node.Arm(f.sf)
		if !d.Attempt(&node) {
			f.sf.Yield()
			continue
		}
		n, rerr := unix.Read(fd, p)
		if rerr == unix.EINTR {
			continue
		}
		wb := isWouldBlock(rerr)
		if d.ResolveReadWrite(n, len(p), wb, rerr != nil && !wb) == descriptor.Return {
			return n, rerr
		}
	}
}

// Write writes all of p to fd, parking whenever the kernel send buffer
// fills, and returns len(p) on success like a blocking write.
func (f *Fiber) Write(fd int, p []byte) (int, error) {
	ent, err := f.eng.interceptFD(fd)
	if err != nil {
		return -1, err
	}
	if ent.Lifecycle() == descriptor.Threadpool {
		var n int
		var werr error
		if oerr := f.offload(func() { n, werr = unix.Write(fd, p) }); oerr != nil {
			return -1, oerr
		}
		return n, werr
	}
	d := &ent.Writer
	total := 0
	for {
		var node waitnode.Node
		node.Arm(f.sf)
		if !d.Attempt(&node) {
			f.sf.Yield()
			continue
		}
		n, werr := unix.Write(fd, p[total:])
		if werr == unix.EINTR {
			continue
		}
		if isWouldBlock(werr) {
			d.ConcludePark()
			continue
		}
		if werr != nil {
			// A mid-stream failure still reports how much went out, but
			// the error must reach the caller.
			if total > 0 {
				return total, werr
			}
			return -1, werr
		}
		total += n
		if total == len(p) {
			// The buffer took everything; it may take more.
			d.ConcludeUncertain()
			return total, nil
		}
		// Short write: the send buffer is full. Park until EPOLLOUT.
		d.ConcludePark()
	}
}

// Recv receives from a socket, honoring flags. Blocking-shaped like Read.
func (f *Fiber) Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := f.RecvFrom(fd, p, flags)
	return n, err
}

// RecvFrom receives from a socket along with the sender's address. The
// nonblocking behavior rides on MSG_DONTWAIT folded into flags, so the
// call works even on descriptors whose O_NONBLOCK someone cleared.
func (f *Fiber) RecvFrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	ent, err := f.eng.interceptFD(fd)
	if err != nil {
		return -1, nil, err
	}
	if ent.Lifecycle() == descriptor.Threadpool {
		var n int
		var from unix.Sockaddr
		var rerr error
		if oerr := f.offload(func() { n, from, rerr = unix.Recvfrom(fd, p, flags) }); oerr != nil {
			return -1, nil, oerr
		}
		return n, from, rerr
	}
	d := &ent.Reader
	for {
		var node waitnode.Node
		node.Arm(f.sf)
		if !d.Attempt(&node) {
			f.sf.Yield()
			continue
		}
		n, from, rerr := unix.Recvfrom(fd, p, flags|unix.MSG_DONTWAIT)
		if rerr == unix.EINTR {
			continue
		}
		wb := isWouldBlock(rerr)
		if d.ResolveReadWrite(n, len(p), wb, rerr != nil && !wb) == descriptor.Return {
			return n, from, rerr
		}
	}
}

// SendTo sends p to a socket, optionally to an explicit address. Datagram
// sockets send whole messages; a stream socket caller that needs the
// write-everything contract should use Write.
func (f *Fiber) SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	ent, err := f.eng.interceptFD(fd)
	if err != nil {
		return -1, err
	}
	if ent.Lifecycle() == descriptor.Threadpool {
		var serr error
		if oerr := f.offload(func() { serr = unix.Sendto(fd, p, flags, to) }); oerr != nil {
			return -1, oerr
		}
		if serr != nil {
			return -1, serr
		}
		return len(p), nil
	}
	d := &ent.Writer
	for {
		var node waitnode.Node
		node.Arm(f.sf)
		if !d.Attempt(&node) {
			f.sf.Yield()
			continue
		}
		serr := unix.Sendto(fd, p, flags|unix.MSG_DONTWAIT, to)
		if serr == unix.EINTR {
			continue
		}
		wb := isWouldBlock(serr)
		if d.ResolveReadWrite(len(p), len(p), wb, serr != nil && !wb) == descriptor.Return {
			if serr != nil {
				return -1, serr
			}
			return len(p), nil
		}
	}
}

// Accept accepts a connection, parking until the backlog is non-empty.
func (f *Fiber) Accept(fd int) (int, unix.Sockaddr, error) {
	return f.accept(fd, func() (int, unix.Sockaddr, error) {
		return unix.Accept(fd)
	})
}

// Accept4 is Accept with flags (SOCK_NONBLOCK, SOCK_CLOEXEC) applied to
// the accepted descriptor.
func (f *Fiber) Accept4(fd int, flags int) (int, unix.Sockaddr, error) {
	return f.accept(fd, func() (int, unix.Sockaddr, error) {
		return unix.Accept4(fd, flags)
	})
}

func (f *Fiber) accept(fd int, sys func() (int, unix.Sockaddr, error)) (int, unix.Sockaddr, error) {
	ent, err := f.eng.interceptFD(fd)
	if err != nil {
		return -1, nil, err
	}
	if ent.Lifecycle() == descriptor.Threadpool {
		var nfd int
		var sa unix.Sockaddr
		var aerr error
		if oerr := f.offload(func() { nfd, sa, aerr = sys() }); oerr != nil {
			return -1, nil, oerr
		}
		return nfd, sa, aerr
	}
	d := &ent.Reader
	for {
		var node waitnode.Node
		node.Arm(f.sf)
		if !d.Attempt(&node) {
			f.sf.Yield()
			continue
		}
		nfd, sa, aerr := sys()
		if aerr == unix.EINTR {
			continue
		}
		if d.ResolveAccept(nfd, isWouldBlock(aerr)) == descriptor.Return {
			return nfd, sa, aerr
		}
	}
}

// Connect connects a socket, parking through the in-progress handshake.
// It drives the writer state machine: EINPROGRESS is the writer's
// would-block, and writability signals the handshake's completion.
func (f *Fiber) Connect(fd int, sa unix.Sockaddr) error {
	ent, err := f.eng.interceptFD(fd)
	if err != nil {
		return err
	}
	if ent.Lifecycle() == descriptor.Threadpool {
		var cerr error
		if oerr := f.offload(func() { cerr = unix.Connect(fd, sa) }); oerr != nil {
			return oerr
		}
		return cerr
	}
	d := &ent.Writer
	inProgress := false
	for {
		var node waitnode.Node
		node.Arm(f.sf)
		if !d.Attempt(&node) {
			f.sf.Yield()
			continue
		}
		cerr := unix.Connect(fd, sa)
		switch {
		case cerr == nil:
			d.ConcludeUncertain()
			return nil
		case cerr == unix.EINTR, cerr == unix.EINPROGRESS, cerr == unix.EALREADY:
			// Handshake continues in the kernel; park until writable.
			inProgress = true
			d.ConcludePark()
		case cerr == unix.EISCONN && inProgress:
			// Retried after the in-progress park: the handshake finished.
			d.ConcludeUncertain()
			return nil
		default:
			return cerr
		}
	}
}

// Close closes fd: the lifecycle resets, the kernel descriptor is closed
// (which also drops it from the epoll set on the final close), and every
// parked waiter is woken into a state whose retry reaches the syscall and
// observes the dead fd.
func (f *Fiber) Close(fd int) error { return f.eng.closeFD(fd) }

func (e *engine) closeFD(fd int) error {
	if fd < 0 || fd >= e.table.Len() {
		return unix.EBADF
	}
	ent := e.table.Entry(fd)
	// Reset the lifecycle before the kernel close: a retrying waiter that
	// wins the race re-runs interceptFD and gets EBADF from the epoll
	// registration instead of finding a stale Nonblocking slot.
	ent.ResetLifecycle()
	err := unix.Close(fd)
	ent.ResetDirections(fd)
	return err
}
