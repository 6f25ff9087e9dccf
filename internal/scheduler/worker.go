// +build linux

package scheduler

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Shachar/photon/internal/wake"
)

// Worker is one of the fixed set of CPU-pinned OS threads that run fibers:
// an intrusive MPSC run queue of runnable fibers, an eventfd used purely
// as a "queue non-empty" semaphore, and an assigned-fiber counter read by
// the choice-of-two spawn balancer.
type Worker struct {
	index    int
	top      atomic.Pointer[Fiber] // run-queue head; pushed/stolen by CAS
	wake     *wake.Event
	assigned atomic.Int64
}

func newWorker(index int) (*Worker, error) {
	ev, err := wake.NewEvent()
	if err != nil {
		return nil, errors.Wrapf(err, "photon: worker %d eventfd", index)
	}
	return &Worker{index: index, wake: ev}, nil
}

// Load returns the assigned-fiber counter, read with a plain atomic load
// by Scheduler.Spawn's choice-of-two comparison.
func (w *Worker) Load() int64 { return w.assigned.Load() }

// claim increments the assigned counter; called once by Spawn when this
// worker is chosen.
func (w *Worker) claim() { w.assigned.Add(1) }

// release decrements the assigned counter on fiber termination, so load
// balancing does not degrade monotonically over a long-running process.
func (w *Worker) release() { w.assigned.Add(-1) }

// enqueue pushes f onto the run queue via CAS and rings the wake eventfd.
// Many producers (spawners, the event loop, offload completions); the
// single consumer is the worker's own Run loop.
func (w *Worker) enqueue(f *Fiber) {
	for {
		old := w.top.Load()
		f.next.Store(old)
		if w.top.CompareAndSwap(old, f) {
			break
		}
	}
	_ = w.wake.Trigger()
}

// drainAll steals the entire run queue (CAS head -> nil) for the worker's
// own drain loop to walk.
func (w *Worker) drainAll() *Fiber {
	for {
		old := w.top.Load()
		if old == nil {
			return nil
		}
		if w.top.CompareAndSwap(old, nil) {
			return old
		}
	}
}

// Run is the worker loop: pin to CPU = index, then wait for the
// queue-non-empty signal, drain and resume fibers until the queue runs
// dry, and wait again, until no live fibers remain anywhere. The final
// terminate trigger ripples the shutdown to the sibling workers.
func (w *Worker) Run(alive *atomic.Int64, terminate *wake.Event) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var mask unix.CPUSet
	mask.Set(w.index)
	// Best effort: a container that refuses repinning, or a machine with
	// fewer CPUs than workers, still gets a working runtime.
	_ = unix.SchedSetaffinity(0, &mask)

	for {
		if _, err := w.wake.WaitAndReset(); err != nil {
			return
		}
		for {
			f := w.drainAll()
			if f == nil {
				break
			}
			for f != nil {
				next := f.next.Load()
				f.resume()
				f = next
			}
		}
		if alive.Load() == 0 {
			break
		}
	}
	_ = terminate.Trigger()
}

// Wake rings the worker's queue eventfd without pushing anything; the
// event loop uses it to kick every worker out of WaitAndReset during
// shutdown.
func (w *Worker) Wake() { _ = w.wake.Trigger() }

// Dispose releases the worker's eventfd. Only after Run has returned.
func (w *Worker) Dispose() { _ = w.wake.Dispose() }
