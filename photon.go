// +build linux

// Package photon is a user-space M:N fiber runtime for Linux that turns
// blocking-shaped POSIX I/O into cooperative, non-blocking I/O. User code
// spawns lightweight fibers that issue ordinary read/write/accept/connect/
// poll calls through a *Fiber handle; the runtime drives the underlying
// descriptors through edge-triggered epoll and parks the calling fiber
// until the kernel reports readiness. Fibers are distributed over a fixed
// set of CPU-pinned worker threads; a single dedicated event-loop thread
// owns the epoll set and never runs user code.
package photon

import (
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Shachar/photon/internal/descriptor"
	"github.com/Shachar/photon/internal/netpoll"
	"github.com/Shachar/photon/internal/scheduler"
	"github.com/Shachar/photon/internal/threadpool"
	"github.com/Shachar/photon/internal/wake"
)

var defaultLogger = log.New(os.Stderr, "photon: ", log.LstdFlags)

// SetLogger replaces the logger used by loops started without WithLogger.
// Call it before StartLoop.
func SetLogger(l *log.Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Options tune StartLoop. The zero value picks sensible defaults.
type Options struct {
	// Workers is the number of fiber worker threads; 0 means one per
	// logical CPU.
	Workers int
	// TableSize overrides the descriptor table capacity; 0 sizes it from
	// RLIMIT_NOFILE.
	TableSize int
	// ThreadpoolSize bounds the blocking-syscall offload pool used for
	// non-pollable descriptors; 0 means 64.
	ThreadpoolSize int
	// Logger receives fiber panics and event-loop diagnostics; nil means
	// a stderr logger.
	Logger *log.Logger
}

// Option mutates Options, in the functional style.
type Option func(*Options)

// WithWorkers sets the worker thread count.
func WithWorkers(n int) Option { return func(o *Options) { o.Workers = n } }

// WithTableSize sets the descriptor table capacity.
func WithTableSize(n int) Option { return func(o *Options) { o.TableSize = n } }

// WithThreadpoolSize bounds the blocking offload pool.
func WithThreadpoolSize(n int) Option { return func(o *Options) { o.ThreadpoolSize = n } }

// WithLogger routes runtime diagnostics to l.
func WithLogger(l *log.Logger) Option { return func(o *Options) { o.Logger = l } }

// engine bundles the process-wide singletons: descriptor table, epoll
// poller, scheduler, offload pool, signal bridge, and the terminate event
// that links "no live fibers" to event-loop shutdown.
type engine struct {
	log       *log.Logger
	table     *descriptor.Table
	poller    *netpoll.Poller
	sched     *scheduler.Scheduler
	pool      *threadpool.Pool
	sig       *sigBridge
	terminate *wake.Event

	sigBuf   []byte
	loopDone chan struct{}
}

var (
	engMu   sync.Mutex
	current atomic.Pointer[engine]

	termOnce sync.Once
)

// errTerminated stops Polling when the terminate event fires.
var errTerminated = errors.New("photon: event loop terminated")

// StartLoop initializes the descriptor table, epoll set, signal bridge,
// terminate event, worker threads, and the event-loop thread. Call once;
// pair with StopLoop.
func StartLoop(opts ...Option) error {
	engMu.Lock()
	defer engMu.Unlock()
	if current.Load() != nil {
		return errors.New("photon: loop already running")
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.ThreadpoolSize <= 0 {
		o.ThreadpoolSize = 64
	}
	if o.Logger == nil {
		o.Logger = defaultLogger
	}

	var table *descriptor.Table
	var err error
	if o.TableSize > 0 {
		table, err = descriptor.NewTableSize(o.TableSize)
	} else {
		table, err = descriptor.NewTable()
	}
	if err != nil {
		return err
	}

	poller, err := netpoll.OpenPoller()
	if err != nil {
		return errors.Wrap(err, "photon: epoll_create1")
	}
	terminate, err := wake.NewEvent()
	if err != nil {
		_ = poller.Close()
		return err
	}
	sig, err := newSigBridge()
	if err != nil {
		_ = terminate.Dispose()
		_ = poller.Close()
		return err
	}
	if err := poller.AddRead(terminate.Fd()); err != nil {
		sig.dispose()
		_ = terminate.Dispose()
		_ = poller.Close()
		return errors.Wrap(err, "photon: register terminate event")
	}
	if err := poller.AddRead(sig.fd); err != nil {
		sig.dispose()
		_ = terminate.Dispose()
		_ = poller.Close()
		return errors.Wrap(err, "photon: register signalfd")
	}

	sched, err := scheduler.New(o.Workers, terminate, o.Logger, time.Now().UnixNano())
	if err != nil {
		sig.dispose()
		_ = terminate.Dispose()
		_ = poller.Close()
		return err
	}
	pool, err := threadpool.New(o.ThreadpoolSize)
	if err != nil {
		sched.Dispose()
		sig.dispose()
		_ = terminate.Dispose()
		_ = poller.Close()
		return err
	}

	installTermHandler()

	e := &engine{
		log:       o.Logger,
		table:     table,
		poller:    poller,
		sched:     sched,
		pool:      pool,
		sig:       sig,
		terminate: terminate,
		sigBuf:    make([]byte, maxSiginfoBatch*siginfoSize),
		loopDone:  make(chan struct{}),
	}
	current.Store(e)
	sched.Start()
	go e.loop()
	return nil
}

// StopLoop joins the event-loop thread and the workers, then releases the
// runtime's descriptors. Shutdown is driven by the live-fiber count
// reaching zero; StopLoop blocks until then, so a process that never
// spawns a fiber, or whose fibers never exit, will not return from it.
func StopLoop() error {
	engMu.Lock()
	defer engMu.Unlock()
	e := current.Load()
	if e == nil {
		return errors.New("photon: loop not running")
	}
	<-e.loopDone
	e.sched.Join()

	current.Store(nil)
	e.pool.Release()
	e.sched.Dispose()
	e.sig.dispose()
	_ = e.terminate.Dispose()
	return e.poller.Close()
}

// Spawn schedules entry as a new fiber on the less loaded of two randomly
// chosen workers. The fiber's worker binding is permanent. Must be called
// between StartLoop and StopLoop; spawning from inside another fiber is
// fine.
func Spawn(entry func(*Fiber)) {
	e := current.Load()
	if e == nil {
		panic("photon: Spawn without a running loop")
	}
	e.sched.Spawn(func(sf *scheduler.Fiber) {
		entry(&Fiber{sf: sf, eng: e})
	})
}

// installTermHandler makes SIGTERM exit the process immediately with
// status 9.
func installTermHandler() {
	termOnce.Do(func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM)
		go func() {
			<-c
			unix.Exit(9)
		}()
	})
}
