// Package sched implements the round-robin, multi-processor scheduler
// layered on top of internal/fiberrt. It groups fibers into per-worker
// run queues executed by worker goroutines (one goroutine per worker,
// not pinned to an OS thread), providing wake/wait
// synchronization and termination — see spec.md section 4.2.
//
// Grounded on original_source/rr.c (condition-variable next(), exit
// protocol) and original_source/ll.c (explicit group assignment and
// Done()); see DESIGN.md for which parts of which variant were kept.
package sched

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nikanor-labs/usched/internal/fiberrt"
	"github.com/nikanor-labs/usched/internal/obs"
)

// Entry is the function a scheduled fiber runs.
type Entry = fiberrt.Entry

// Config configures a Scheduler (sched_init's (P, T) plus ambient
// knobs), mirroring the teacher's Config/DefaultConfig shape.
type Config struct {
	// Workers is the number of per-processor workers (P).
	Workers int
	// Capacity bounds how many fibers may be queued (ready+wait+running)
	// on a single worker at once (T). Exceeding it is a fatal invariant
	// violation (spec.md section 7).
	Capacity int
	// SingleThreaded elides per-worker locking and runs every worker's
	// dispatch loop cooperatively on the caller's goroutine instead of
	// spawning one goroutine per worker. Mirrors the original's
	// SINGLE_THREAD build option (SPEC_FULL.md section 5); callers must
	// not combine this with cross-goroutine Wake.
	SingleThreaded bool
	// Logger receives diagnostic output; nil disables it.
	Logger *obs.Logger
}

// DefaultConfig returns a Config sized for the common case: the given
// number of workers, a generous per-worker capacity.
func DefaultConfig(workers int) Config {
	return Config{
		Workers:  workers,
		Capacity: 4096,
		Logger:   obs.New(false),
	}
}

type state int

const (
	stateReady state = iota
	stateWait
	stateRun
)

// Fiber is a scheduler-level handle: struct rr_thread/ll_thread plus
// the underlying ustack, per spec.md section 3.
type Fiber struct {
	*fiberrt.Fiber

	worker *worker
	group  int

	pendingWake int
	waitIdx     int
}

type fiberCtxKey struct{}

func withFiber(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, fiberCtxKey{}, f)
}

// Self returns the scheduler-level Fiber for the calling fiber. Panics
// if called outside a fiber spawned by this package.
func Self(ctx context.Context) *Fiber {
	f, ok := ctx.Value(fiberCtxKey{}).(*Fiber)
	if !ok || f == nil {
		panic("sched: Self called outside a scheduled fiber")
	}
	return f
}

type worker struct {
	id       int
	disp     *fiberrt.Dispatcher
	logger   *obs.Logger
	capacity int
	locking  bool

	mu   sync.Mutex
	cond *sync.Cond

	ready   []*Fiber // LIFO: append/pop-last, spec.md section 4.2 "next"
	wait    []*Fiber // index-tracked wait set, swap-with-last removal
	running *Fiber
	exit    bool
}

func newWorker(id, capacity int, locking bool, logger *obs.Logger) *worker {
	w := &worker{id: id, capacity: capacity, locking: locking, logger: logger}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) lock() {
	if w.locking {
		w.mu.Lock()
	}
}

func (w *worker) unlock() {
	if w.locking {
		w.mu.Unlock()
	}
}

// occupancy returns how many fibers currently belong to this worker
// (ready + wait + running), used to enforce Capacity.
func (w *worker) occupancy() int {
	n := len(w.ready) + len(w.wait)
	if w.running != nil {
		n++
	}
	return n
}

func (w *worker) stateOf(f *Fiber) state {
	if f == w.running {
		return stateRun
	}
	if f.waitIdx < len(w.wait) && w.wait[f.waitIdx] == f {
		return stateWait
	}
	return stateReady
}

// enqueueReady pushes f onto the ready queue and signals the condition
// variable if the queue transitioned from empty (spec.md section 4.2).
func (w *worker) enqueueReady(f *Fiber) {
	w.ready = append(w.ready, f)
	if len(w.ready) == 1 {
		w.cond.Signal()
	}
}

// next implements the dispatcher-facing Callbacks.Next: spec.md
// section 4.2's "next callback".
func (w *worker) next() *fiberrt.Fiber {
	w.lock()
	defer w.unlock()
	for len(w.ready) == 0 {
		if w.exit && len(w.wait) == 0 {
			return nil
		}
		if !w.locking {
			// Single-threaded mode never blocks here: by construction
			// there is no other goroutine left to make ready work
			// appear, so this is the natural "no more fibers" exit.
			return nil
		}
		w.cond.Wait()
	}
	n := len(w.ready) - 1
	f := w.ready[n]
	w.ready = w.ready[:n]
	w.running = f
	return f.Fiber
}

// Scheduler owns P workers and is the public entry point: sched_init/
// sched_start/sched_fini plus fiber_create (spec.md section 4.2).
type Scheduler struct {
	cfg     Config
	workers []*worker
	logger  *obs.Logger
	group   errgroup.Group
	started bool
}

// New prepares a Scheduler with cfg.Workers workers, each sized to hold
// up to cfg.Capacity fibers (sched_init).
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		panic("sched: Config.Workers must be positive")
	}
	if cfg.Capacity <= 0 {
		panic("sched: Config.Capacity must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = obs.New(false)
	}
	s := &Scheduler{cfg: cfg, logger: logger}
	for i := 0; i < cfg.Workers; i++ {
		w := newWorker(i, cfg.Capacity, !cfg.SingleThreaded, logger)
		w.disp = fiberrt.New(fiberrt.Callbacks{Next: w.next}, logger)
		s.workers = append(s.workers, w)
	}
	return s
}

// Start launches one native worker per processor (sched_start). In
// SingleThreaded mode it instead runs every worker's dispatch loop to
// completion on the calling goroutine, one after another.
func (s *Scheduler) Start() {
	if s.started {
		panic("sched: Start called twice")
	}
	s.started = true
	if s.cfg.SingleThreaded {
		for _, w := range s.workers {
			runWorker(w)
		}
		return
	}
	for _, w := range s.workers {
		w := w
		s.group.Go(func() error {
			runWorker(w)
			return nil
		})
	}
}

func runWorker(w *worker) {
	// The dispatch loop runs on the calling goroutine, which is not
	// pinned to an OS thread. Each fiber body runs on its own goroutine
	// (see internal/fiberrt); the dispatcher only guarantees that at
	// most one fiber of this worker runs at a time.
	w.disp.Run()
}

// Stop signals all workers to exit once their ready and wait sets drain
// (sched_fini), then joins them.
func (s *Scheduler) Stop() error {
	for _, w := range s.workers {
		w.lock()
		w.exit = true
		w.cond.Signal()
		w.unlock()
	}
	if s.cfg.SingleThreaded {
		return nil
	}
	return s.group.Wait()
}

// Spawn creates a fiber bound to worker (group mod P) — see
// DESIGN.md's Open Question decision for why group mod P was chosen
// over a chunked stride. It is pushed onto that worker's ready queue
// immediately (fiber_create).
func (s *Scheduler) Spawn(entry Entry, arg any, group int) *Fiber {
	idx := group % len(s.workers)
	if idx < 0 {
		idx += len(s.workers)
	}
	w := s.workers[idx]

	sf := &Fiber{worker: w, group: group}
	wrapped := func(ctx context.Context, a any) {
		entry(withFiber(ctx, sf), a)
	}
	sf.Fiber = fiberrt.NewFiber(w.disp, wrapped, arg)

	w.lock()
	if w.occupancy() >= w.capacity {
		w.unlock()
		panic(fmt.Sprintf("sched: worker %d ready/wait queue exceeds capacity %d", w.id, w.capacity))
	}
	w.enqueueReady(sf)
	w.unlock()

	s.logger.DebugCat(obs.CatSched, "spawned fiber in group %d on worker %d", group, w.id)
	return sf
}

// Wait blocks the calling fiber until woken. If a Wake arrived before
// this call (pendingWake > 0), it is absorbed and the fiber stays
// runnable without actually suspending — the wake-before-wait race,
// resolved in favor of proceeding (spec.md section 3, "pending-wake
// counter").
func Wait(ctx context.Context) {
	f := Self(ctx)
	w := f.worker

	w.lock()
	if f.pendingWake > 0 {
		f.pendingWake--
		w.unlock()
		return
	}
	f.waitIdx = len(w.wait)
	w.wait = append(w.wait, f)
	w.running = nil
	w.unlock()

	f.logger().DebugCat(obs.CatWake, "fiber entering WAIT on worker %d", w.id)
	fiberrt.Suspend(ctx)
}

// Wake marks target runnable. target must belong to the same worker as
// the caller — cross-worker wake is a programmer error and is not
// supported (spec.md section 4.2/5).
func Wake(target *Fiber) {
	w := target.worker
	w.lock()
	defer w.unlock()

	switch w.stateOf(target) {
	case stateWait:
		last := len(w.wait) - 1
		w.wait[target.waitIdx] = w.wait[last]
		w.wait[target.waitIdx].waitIdx = target.waitIdx
		w.wait = w.wait[:last]
		w.enqueueReady(target)
	default: // RUN or READY
		target.pendingWake++
	}
}

// Done logs the calling fiber's completion; it releases nothing itself.
// It is safe, but not required, to call — the dispatcher reclaims a fiber's
// goroutine as soon as its Entry returns regardless (see
// internal/fiberrt); Done exists to mirror the original's explicit
// ll_done()/rr_done() call and to give callers a place to hook
// completion bookkeeping or logging.
func Done(ctx context.Context) {
	f := Self(ctx)
	f.logger().DebugCat(obs.CatSched, "fiber done on worker %d", f.worker.id)
}

func (f *Fiber) logger() *obs.Logger { return f.worker.logger }
