// +build linux

package descriptor

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Lifecycle tracks a descriptor slot's registration state. It advances
// monotonically NotInited -> Initializing -> {Nonblocking, Threadpool} and
// returns to NotInited on close(), or from Initializing when an adoption
// attempt fails.
type Lifecycle uint32

const (
	NotInited Lifecycle = iota
	Initializing
	Nonblocking
	Threadpool
)

// Entry is one descriptor table slot: lifecycle plus the two independent
// direction state machines.
type Entry struct {
	FD        int
	lifecycle atomic.Uint32
	Reader    Direction
	Writer    Direction
}

// Lifecycle loads the current lifecycle value.
func (e *Entry) Lifecycle() Lifecycle { return Lifecycle(e.lifecycle.Load()) }

// CASLifecycle is the sole forward mutator: every lifecycle transition
// goes through a compare-and-swap.
func (e *Entry) CASLifecycle(old, new Lifecycle) bool {
	return e.lifecycle.CompareAndSwap(uint32(old), uint32(new))
}

// ResetLifecycle unconditionally returns the slot to NotInited. Used by
// close(), which owns the descriptor at that point, and by the adopting
// caller to back out of a failed adoption while it holds Initializing.
func (e *Entry) ResetLifecycle() { e.lifecycle.Store(uint32(NotInited)) }

// Table is the process-wide, fixed-size descriptor table, indexed directly
// by fd and sized from RLIMIT_NOFILE. It is allocated once and never
// resized. It is backed by an ordinary Go slice rather than an anonymous
// mmap: each Direction's wait list head is a live Go pointer into a parked
// goroutine's wait node, and the garbage collector does not scan memory
// obtained from unix.Mmap, so heap pointers stored there could be
// reclaimed under a parked fiber. See DESIGN.md.
type Table struct {
	entries []Entry
}

// NewTable sizes the table from RLIMIT_NOFILE.
func NewTable() (*Table, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return nil, errors.Wrap(err, "photon: getrlimit(RLIMIT_NOFILE)")
	}
	n := int(rlim.Cur)
	if n <= 0 || n > 1<<20 {
		n = 65536
	}
	return NewTableSize(n)
}

// NewTableSize sizes the table explicitly, for tests and Config overrides.
func NewTableSize(n int) (*Table, error) {
	if n <= 0 {
		return nil, errors.Errorf("photon: descriptor table size %d", n)
	}
	t := &Table{entries: make([]Entry, n)}
	for i := range t.entries {
		t.entries[i].FD = i
		t.entries[i].Reader.bind(i)
		t.entries[i].Writer.bind(i)
		// A fresh writer side is ready: an empty send buffer takes bytes.
		t.entries[i].Writer.Prime(Ready)
	}
	return t, nil
}

// ResetDirections wakes both sides' parked fibers so they re-observe the
// descriptor. Each side lands in a state whose Attempt proceeds to the
// syscall: the woken retry must reach the kernel to see the close, so
// neither side may reset to Parked.
func (e *Entry) ResetDirections(wakeFD int) {
	e.Reader.Reset(wakeFD, Uncertain)
	e.Writer.Reset(wakeFD, Ready)
}

// Entry returns the slot for fd. Callers are responsible for fd being in
// range [0, Len()); the interceptor checks this once per call.
func (t *Table) Entry(fd int) *Entry { return &t.entries[fd] }

// Len returns the table's fixed capacity.
func (t *Table) Len() int { return len(t.entries) }
