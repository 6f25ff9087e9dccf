// Package threadpool runs blocking syscalls for non-pollable descriptors
// (regular files, block devices: EPOLL_CTL_ADD refuses them with EPERM) on
// a bounded pool of plain goroutines, off the fiber workers, and wakes the
// requesting fiber when the syscall completes.
package threadpool

import (
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/Shachar/photon/internal/waitnode"
)

// Pool wraps an ants goroutine pool. Jobs may block in the kernel for
// arbitrarily long, so the pool is blocking-on-full rather than rejecting:
// a burst of file reads queues up instead of failing.
type Pool struct {
	p *ants.Pool
}

// New creates a pool of at most size resident blocking workers.
func New(size int) (*Pool, error) {
	p, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "photon: threadpool")
	}
	return &Pool{p: p}, nil
}

// Offload runs call on a pool worker and schedules w with wakeFD when it
// has finished. call typically closes over the syscall arguments and
// result slots; the fiber yields after submitting and reads the slots
// once resumed.
func (tp *Pool) Offload(w waitnode.Waiter, wakeFD int, call func()) error {
	err := tp.p.Submit(func() {
		call()
		w.Schedule(wakeFD)
	})
	if err != nil {
		return errors.Wrap(err, "photon: threadpool submit")
	}
	return nil
}

// Release tears the pool down. Only once no fiber can offload anymore.
func (tp *Pool) Release() { tp.p.Release() }
