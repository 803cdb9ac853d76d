// Package fiberrt is the low-level dispatcher: it multiplexes many
// cooperative fibers onto a single logical native execution context
// (one Dispatcher per worker). See SPEC_FULL.md section 1 for why this
// realizes the original stack-copying design as one goroutine per fiber
// baton-passed over channels, rather than literal memcpy of stack
// bytes: Go goroutine stacks move under the runtime's control, so there
// is no stable address to copy from or to, unsafely or otherwise.
//
// Everything above this package (pkg/sched) only ever sees *Fiber
// handles and the Entry/Suspend/Abort/Self contract; the goroutine and
// channel plumbing stays internal.
package fiberrt

import (
	"context"
	"runtime"

	"github.com/nikanor-labs/usched/internal/obs"
)

// Entry is the function a fiber runs. arg is the opaque argument
// supplied at fiber creation; ctx carries the fiber's own identity so
// Self/Suspend/Abort can be called without a thread-local.
type Entry func(ctx context.Context, arg any)

type fiberCtxKey struct{}

// Self returns the fiber running on the goroutine that owns ctx, or
// panics if ctx was not derived from a fiber's own Entry invocation —
// this mirrors the original's ustack_self() assertion that current !=
// NULL (spec.md section 7: suspending/self-identifying outside a fiber
// is a programmer error).
func Self(ctx context.Context) *Fiber {
	f, ok := ctx.Value(fiberCtxKey{}).(*Fiber)
	if !ok || f == nil {
		panic("fiberrt: Self called outside a running fiber")
	}
	return f
}

func withSelf(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, fiberCtxKey{}, f)
}

// Fiber is one cooperative thread of control. Its fields mirror struct
// ustack in original_source/usched.h:
//
//   - bottom/top are diagnostic footprint markers (see SPEC_FULL.md
//     section 1): bottom is stamped once at first entry, top is
//     refreshed on every suspend, both measured via runtime.Stack on
//     the fiber's own goroutine. Unlike the C original they are never
//     used to compute a copy range — there is no copy.
//   - resumeCh/parkedCh are the channel pair a launched fiber's
//     goroutine uses to hand control back and forth with the
//     dispatcher's host frame (Dispatcher.Run's loop).
type Fiber struct {
	host    *Dispatcher
	entry   Entry
	arg     any
	logger  *obs.Logger
	started bool
	done    bool
	aborted bool

	bottom int // footprint (bytes) recorded at first entry
	top    int // footprint (bytes) recorded at last suspend

	resumeCh chan struct{}
	parkedCh chan struct{}

	panicVal any // non-nil if the fiber's Entry panicked; re-raised by Dispatcher.Run
}

// NewFiber initializes a fiber descriptor bound to host. It performs no
// execution — ustack_init is pure initialization in the original too.
func NewFiber(host *Dispatcher, entry Entry, arg any) *Fiber {
	return &Fiber{host: host, entry: entry, arg: arg, logger: host.logger}
}

// Terminated reports whether the fiber has returned from its entry
// function or called Abort. A scheduler must never return a terminated
// fiber from its next() callback (spec.md section 7).
func (f *Fiber) Terminated() bool { return f.done || f.aborted }

// Footprint returns the (bottom, top) diagnostic markers described
// above. Used by tests to observe growth across a deep-stack suspend.
func (f *Fiber) Footprint() (bottom, top int) { return f.bottom, f.top }

func stackFootprint() int {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	return n
}

// Suspend captures the calling fiber's position and transfers control
// back to its Dispatcher's host frame. It returns only when the fiber
// is later resumed by the dispatch loop, at which point it returns as
// if it had simply returned normally — matching fiber_suspend()'s
// contract in spec.md section 4.1.
func Suspend(ctx context.Context) {
	Self(ctx).suspend()
}

func (f *Fiber) suspend() {
	if f.bottom == 0 {
		panic("fiberrt: suspend called before the fiber's bottom marker was set")
	}
	f.top = stackFootprint()
	f.logger.DebugCat(obs.CatDispatch, "fiber suspending (footprint top=%d bottom=%d)", f.top, f.bottom)
	f.parkedCh <- struct{}{}
	<-f.resumeCh
}

// Abort transfers control back to the dispatch loop without taking a
// snapshot; the aborted fiber is terminated and must never be resumed
// or returned by a scheduler again (spec.md section 4.1, fiber_abort).
func Abort(ctx context.Context) {
	Self(ctx).abort()
}

func (f *Fiber) abort() {
	f.aborted = true
	f.logger.DebugCat(obs.CatDispatch, "fiber aborting")
	panic(abortSignal{})
}

// abortSignal is recovered internally by the goroutine launched in
// Dispatcher.launch; it never escapes fiberrt.
type abortSignal struct{}

// Callbacks are the user-supplied hooks a Dispatcher needs, matching
// struct usched's s_next/s_alloc/s_free in spirit. alloc/free have no
// Go analogue (there is no heap buffer to allocate — see SPEC_FULL.md
// section 1), so only Next survives as a callback; Go's garbage
// collector is the allocator/free pair for this realization, which is
// the idiomatic replacement rather than threading alloc/free callbacks
// through for no purpose.
type Callbacks struct {
	// Next returns the next fiber to run (new or previously suspended),
	// or nil to exit the dispatch loop. Must never return a terminated
	// fiber (spec.md section 6).
	Next func() *Fiber
}

// Dispatcher runs one fiber at a time on behalf of a single logical
// worker. It corresponds to struct usched plus usched_run.
type Dispatcher struct {
	cb      Callbacks
	logger  *obs.Logger
	entered bool // guards against recursive Run (spec.md section 5, re-entrancy)
}

// New creates a Dispatcher. logger may be nil, in which case a disabled
// logger is used.
func New(cb Callbacks, logger *obs.Logger) *Dispatcher {
	if cb.Next == nil {
		panic("fiberrt: Callbacks.Next is required")
	}
	if logger == nil {
		logger = obs.New(false)
	}
	return &Dispatcher{cb: cb, logger: logger}
}

// Run enters the dispatch loop on the calling goroutine. It must not be
// called recursively on the same Dispatcher (spec.md section 5: "This
// forbids calling dispatch_run recursively on the same native thread");
// in the original that is detected by comparing a captured stack
// address, here it is detected directly since Go gives us no way to
// smuggle a second logical call into the same goroutine without
// re-entering this function.
func (d *Dispatcher) Run() {
	if d.entered {
		panic("fiberrt: Run entered recursively on the same dispatcher")
	}
	d.entered = true
	defer func() { d.entered = false }()

	for {
		f := d.cb.Next()
		if f == nil {
			return
		}
		if f.Terminated() {
			panic("fiberrt: next() returned a terminated fiber")
		}
		if !f.started {
			d.launch(f)
		} else {
			d.cont(f)
		}
	}
}

// launch starts a fiber for the first time (struct ustack's u_bottom ==
// NULL branch in usched_run, and launch() in usched.c).
func (d *Dispatcher) launch(f *Fiber) {
	f.started = true
	f.resumeCh = make(chan struct{})
	f.parkedCh = make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(abortSignal); ok {
					// Abort: terminated, no further snapshot.
				} else {
					f.panicVal = r
					f.done = true
				}
			}
			f.parkedCh <- struct{}{}
		}()
		f.bottom = stackFootprint()
		ctx := withSelf(context.Background(), f)
		f.entry(ctx, f.arg)
		f.done = true
	}()
	<-f.parkedCh
	d.rethrow(f)
}

// cont resumes a previously suspended fiber (continue() in usched.c).
func (d *Dispatcher) cont(f *Fiber) {
	f.resumeCh <- struct{}{}
	<-f.parkedCh
	d.rethrow(f)
}

func (d *Dispatcher) rethrow(f *Fiber) {
	if f.panicVal != nil {
		v := f.panicVal
		f.panicVal = nil
		panic(v)
	}
}
