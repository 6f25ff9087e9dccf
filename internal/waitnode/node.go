// Package waitnode defines the intrusive wait-list node that a parked fiber
// links into a descriptor direction's wait list. A Node does its work in
// the interval between a fiber enqueuing it and the fiber resuming after
// its yield returns. A node no waker stole (poll publishes several) may
// stay linked in its list after that; its gate is consumed by then, so it
// wakes nobody, and the garbage collector keeps it valid until a drain
// unlinks it.
package waitnode

import "sync/atomic"

// Waiter is the thing a Node wakes: the scheduler's Fiber implements it.
// Keeping the interface here (rather than importing scheduler) avoids an
// import cycle between the descriptor table and the scheduler package.
type Waiter interface {
	// Schedule pushes the waiter onto its owning run queue with the given
	// wake fd and rings that queue's eventfd. Called by whichever side
	// (event loop or a racing syscall caller) wins the steal.
	Schedule(wakeFD int)
}

// Gate is the single steal point for one parked interval of one fiber.
// However many nodes the fiber has published (poll parks one node per
// descriptor direction plus one on its timer), they all share one Gate, so
// at most one waker ever schedules the fiber per park.
type Gate struct {
	box atomic.Pointer[Waiter]
	w   Waiter
}

// Arm stores the waiter and makes the gate stealable. Must be called
// before any node referencing this gate is published into a wait list.
func (g *Gate) Arm(w Waiter) {
	g.w = w
	g.box.Store(&g.w)
}

// Steal atomically claims the waiter, returning nil if someone already
// has. A gate is stolen at most once per Arm.
func (g *Gate) Steal() Waiter {
	p := g.box.Load()
	if p == nil {
		return nil
	}
	if !g.box.CompareAndSwap(p, nil) {
		return nil
	}
	return *p
}

// Node is linked into exactly one wait list at a time via Next. Its gate
// is either its own embedded one (single-descriptor waits) or a gate
// shared with sibling nodes (poll).
type Node struct {
	Next atomic.Pointer[Node]

	gate *Gate
	own  Gate
}

// Arm gives the node a private gate holding w. For waits that park on a
// single descriptor direction.
func (n *Node) Arm(w Waiter) {
	n.own.Arm(w)
	n.gate = &n.own
}

// Join makes the node wake through a gate shared with other nodes. The
// gate must already be armed.
func (n *Node) Join(g *Gate) {
	n.gate = g
}

// Steal claims the node's waiter through its gate; nil if already stolen
// (by a sibling node's waker or a racing drain).
func (n *Node) Steal() Waiter {
	if n.gate == nil {
		return nil
	}
	return n.gate.Steal()
}

// Head is an atomic singly-linked LIFO list head shared by many producers
// (fibers enqueuing) and, at any instant, at most one consumer (the
// scheduler draining via StealAll). Wake order within one direction is not
// observable.
type Head struct {
	top atomic.Pointer[Node]
}

// Push links n at the head of the list via CAS, retrying on contention.
func (h *Head) Push(n *Node) {
	for {
		old := h.top.Load()
		n.Next.Store(old)
		if h.top.CompareAndSwap(old, n) {
			return
		}
	}
}

// StealAll atomically takes the whole list (CAS head -> nil) and returns
// its former head, for the caller to walk and drain.
func (h *Head) StealAll() *Node {
	for {
		old := h.top.Load()
		if old == nil {
			return nil
		}
		if h.top.CompareAndSwap(old, nil) {
			return old
		}
	}
}

// Empty reports whether the list currently looks empty. Racy by
// construction (a concurrent Push may land immediately after); used only
// for diagnostics and tests.
func (h *Head) Empty() bool {
	return h.top.Load() == nil
}
