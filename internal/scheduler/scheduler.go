// +build linux

package scheduler

import (
	"log"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Shachar/photon/internal/wake"
)

// Scheduler owns the fixed worker set, the live-fiber count, and the
// terminate event that shuts the whole runtime down when the count reaches
// zero.
type Scheduler struct {
	workers   []*Worker
	alive     atomic.Int64
	terminate *wake.Event
	log       *log.Logger

	wg sync.WaitGroup

	mu  sync.Mutex // guards rng; spawns can come from any thread
	rng *rand.Rand
}

// New builds a scheduler with n workers. terminate is owned by the caller
// (the runtime registers it with epoll); the scheduler only triggers it.
func New(n int, terminate *wake.Event, logger *log.Logger, seed int64) (*Scheduler, error) {
	if n < 1 {
		return nil, errors.Errorf("photon: worker count %d", n)
	}
	s := &Scheduler{
		terminate: terminate,
		log:       logger,
		rng:       rand.New(rand.NewSource(seed)),
	}
	for i := 0; i < n; i++ {
		w, err := newWorker(i)
		if err != nil {
			for _, prev := range s.workers {
				prev.Dispose()
			}
			return nil, err
		}
		s.workers = append(s.workers, w)
	}
	return s, nil
}

// Start launches every worker loop on its own locked OS thread.
func (s *Scheduler) Start() {
	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(&s.alive, s.terminate)
		}()
	}
}

// Spawn schedules entry as a new fiber. The owning worker is the less
// loaded of two distinct workers drawn uniformly at random (two atomic
// loads per spawn for O(log log n) expected imbalance); the binding is
// permanent.
func (s *Scheduler) Spawn(entry func(*Fiber)) {
	w := s.pick()
	w.claim()
	s.alive.Add(1)
	f := &Fiber{
		owner:  w,
		sched:  s,
		wakeCh: make(chan int32, 1),
		parkCh: make(chan struct{}),
		entry:  entry,
	}
	w.enqueue(f)
}

func (s *Scheduler) pick() *Worker {
	if len(s.workers) == 1 {
		return s.workers[0]
	}
	s.mu.Lock()
	i := s.rng.Intn(len(s.workers))
	j := s.rng.Intn(len(s.workers) - 1)
	s.mu.Unlock()
	if j >= i {
		j++
	}
	a, b := s.workers[i], s.workers[j]
	if b.Load() < a.Load() {
		return b
	}
	return a
}

// Alive returns the current live-fiber count.
func (s *Scheduler) Alive() int64 { return s.alive.Load() }

// WakeAll rings every worker's queue eventfd; the event loop calls this
// when the terminate event fires so workers re-check the alive count.
func (s *Scheduler) WakeAll() {
	for _, w := range s.workers {
		w.Wake()
	}
}

// Join blocks until every worker loop has exited.
func (s *Scheduler) Join() { s.wg.Wait() }

// Dispose releases the workers' eventfds. Only after Join.
func (s *Scheduler) Dispose() {
	for _, w := range s.workers {
		w.Dispose()
	}
}

// Workers returns the worker count, for diagnostics and tests.
func (s *Scheduler) Workers() int { return len(s.workers) }
