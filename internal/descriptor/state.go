// Package descriptor implements the per-file-descriptor readiness state
// machine: two independent 4-state machines per descriptor (reader side,
// writer side), each coupled to a lock-free intrusive wait list,
// serializing edge-triggered epoll events against fibers retrying
// blocking-shaped syscalls.
package descriptor

import (
	"sync/atomic"

	"github.com/Shachar/photon/internal/waitnode"
)

// State is the shared 4-value state used identically by both directions.
// The reader's values are conventionally called EMPTY/UNCERTAIN/READING/
// READY and the writer's FULL/UNCERTAIN/WRITING/READY; they are the same
// automaton with different labels (a writer's FULL is symmetrical to a
// reader's EMPTY), so one enum serves both.
type State uint32

const (
	// Parked: the runtime believes the kernel side is not ready (EMPTY for
	// a reader, FULL for a writer). New arrivals enqueue and yield.
	Parked State = iota
	// Uncertain: a prior syscall returned a full-length result (or an
	// accept succeeded), or an epoll edge arrived mid-syscall; the runtime
	// cannot prove drained/filled.
	// The next arrival probes with a syscall and finds out.
	Uncertain
	// InFlight: exactly one fiber is nominally in the syscall (READING /
	// WRITING), though edge-triggering means other arrivals may
	// race-proceed too.
	InFlight
	// Ready: an epoll edge was observed and no fiber has consumed it yet.
	Ready
)

// Outcome tells a syscall interceptor what to do after a syscall attempt.
type Outcome int

const (
	// Return hands the result (success or a non-EAGAIN error) back to the
	// caller; no restart.
	Return Outcome = iota
	// Restart means the attempt raced a state transition (or hit EAGAIN)
	// and must be retried from Direction.Attempt.
	Restart
)

// Direction is one side (reader or writer) of one descriptor's state
// machine: an atomic state word plus the lock-free wait list of fibers
// parked on it.
type Direction struct {
	state   atomic.Uint32
	waiters waitnode.Head
	fd      int // for tagging scheduled wakeups; set by Table at init
}

func (d *Direction) bind(fd int) { d.fd = fd }

// Load returns the current state, for diagnostics/tests.
func (d *Direction) Load() State { return State(d.state.Load()) }

// Attempt is the fiber-driven half of the transition tables. It returns
// true if the caller should go ahead and issue the syscall now (state is
// InFlight), or false if the caller enqueued node and must yield.
//
// node must already be armed (waitnode.Node.Arm) with the parked fiber
// before calling.
func (d *Direction) Attempt(node *waitnode.Node) bool {
	for {
		switch State(d.state.Load()) {
		case Parked:
			d.Park(node)
			return false
		case Uncertain:
			if d.state.CompareAndSwap(uint32(Uncertain), uint32(InFlight)) {
				return true
			}
		case Ready:
			if d.state.CompareAndSwap(uint32(Ready), uint32(InFlight)) {
				return true
			}
		case InFlight:
			// Edge-triggering means more than one arrival may find bytes
			// (or buffer space); let both proceed and race in the kernel.
			return true
		}
	}
}

// Park publishes node on the wait list unconditionally, then re-checks the
// state: if it moved on while (or just after) the node was enqueued, the
// caller raced the event loop's transition and the list is drained here so
// the wakeup isn't lost. Either the parker observes the non-parked state
// after its enqueue (and self-schedules), or the transition that moved the
// state sees the waiter in the list; there is no third interleaving.
func (d *Direction) Park(node *waitnode.Node) {
	d.waiters.Push(node)
	if d.Load() != Parked {
		d.drainAndSchedule(d.fd)
	}
}

// OnEpollEvent is the event-loop-driven half of the transition tables, run
// once per observed EPOLLIN (reader) or EPOLLOUT (writer) edge.
func (d *Direction) OnEpollEvent(wakeFD int) {
	for {
		switch State(d.state.Load()) {
		case Parked:
			if d.state.CompareAndSwap(uint32(Parked), uint32(Ready)) {
				d.drainAndSchedule(wakeFD)
				return
			}
		case Uncertain:
			if d.state.CompareAndSwap(uint32(Uncertain), uint32(Ready)) {
				return
			}
		case InFlight:
			if d.state.CompareAndSwap(uint32(InFlight), uint32(Uncertain)) {
				return
			}
			// Lost the CAS above because the in-flight fiber concluded
			// Parked concurrently (drained its direction, or filled it,
			// for a writer). Pull it back to Uncertain and wake the
			// waiters, since this edge proves the kernel moved again.
			if d.state.CompareAndSwap(uint32(Parked), uint32(Uncertain)) {
				d.drainAndSchedule(wakeFD)
				return
			}
			// Raced again; reread and retry the whole switch.
		case Ready:
			// Idempotent: a previous edge may not have been consumed yet,
			// but schedule anyway in case new waiters arrived since.
			d.drainAndSchedule(wakeFD)
			return
		}
	}
}

// drainAndSchedule steals the whole wait list and wakes every node still
// holding a live waiter. Racing stealers (a concurrent OnEpollEvent vs.
// the self-check in Park) are safe: a node's gate only ever yields its
// waiter once.
func (d *Direction) drainAndSchedule(wakeFD int) {
	n := d.waiters.StealAll()
	for n != nil {
		next := n.Next.Load()
		if w := n.Steal(); w != nil {
			w.Schedule(wakeFD)
		}
		n = next
	}
}

// ConcludeUncertain moves InFlight -> Uncertain after a syscall whose
// result leaves the kernel side possibly still ready. A failed CAS means
// the event loop got there first; that is fine either way.
func (d *Direction) ConcludeUncertain() {
	d.state.CompareAndSwap(uint32(InFlight), uint32(Uncertain))
}

// ConcludePark moves InFlight -> Parked after a syscall proved the kernel
// side drained (or returned EAGAIN).
func (d *Direction) ConcludePark() {
	d.state.CompareAndSwap(uint32(InFlight), uint32(Parked))
}

// ResolveReadWrite applies the per-call outcome table shared by read and
// write. requested is len(buf); n is the syscall's returned count;
// wouldBlock is true for EAGAIN/EWOULDBLOCK; otherErr is true for any
// other non-nil error (state is left untouched for those).
func (d *Direction) ResolveReadWrite(n, requested int, wouldBlock, otherErr bool) Outcome {
	switch {
	case otherErr:
		return Return
	case wouldBlock:
		d.ConcludePark()
		return Restart
	case n == requested:
		// Full-length transfer: the kernel may have more data or buffer
		// space; the next arrival probes instead of parking.
		d.ConcludeUncertain()
		return Return
	default:
		// Partial transfer: the kernel side is drained/filled.
		d.ConcludePark()
		return Return
	}
}

// ResolveAccept applies the accept-specific outcome table: on success (fd
// >= 0) the backlog may still hold more pending connections; on EAGAIN the
// direction parks and the caller must restart the whole Attempt.
func (d *Direction) ResolveAccept(gotFD int, wouldBlock bool) Outcome {
	if !wouldBlock && gotFD >= 0 {
		d.ConcludeUncertain()
		return Return
	}
	if wouldBlock {
		d.ConcludePark()
		return Restart
	}
	return Return
}

// Prime sets the state without touching the wait list. For slots being
// initialized: a table slot can hold the post-close residue of a previous
// descriptor that had the same fd number.
func (d *Direction) Prime(s State) { d.state.Store(uint32(s)) }

// Reset stores s and wakes every remaining waiter so it can observe the
// now-closed descriptor. s must not be Parked when woken waiters are
// expected to retry a syscall: a retry's Attempt parks again on Parked,
// and a closed fd never produces another edge to unpark it. The store
// happens before the drain so a waiter that retries immediately cannot
// observe the stale pre-close state and re-park either.
func (d *Direction) Reset(wakeFD int, s State) {
	d.state.Store(uint32(s))
	d.drainAndSchedule(wakeFD)
}
