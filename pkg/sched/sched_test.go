package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPingPongRingSingleWorker(t *testing.T) {
	// End-to-end scenario 2: N=2, R=1, M=1, P=1.
	s := New(Config{Workers: 1, Capacity: 16})
	defer s.Stop()

	var fibers [2]*Fiber
	var waitReturns [2]int32
	var wg sync.WaitGroup
	wg.Add(2)

	for i := 0; i < 2; i++ {
		i := i
		fibers[i] = s.Spawn(func(ctx context.Context, arg any) {
			defer wg.Done()
			next := (i + 1) % 2
			if i == 0 {
				Wake(fibers[next])
				Wait(ctx)
			} else {
				Wait(ctx)
				Wake(fibers[next])
			}
			atomic.AddInt32(&waitReturns[i], 1)
			Done(ctx)
		}, nil, 0)
	}

	s.Start()
	wg.Wait()

	require.EqualValues(t, 1, waitReturns[0])
	require.EqualValues(t, 1, waitReturns[1])
	require.True(t, fibers[0].Terminated())
	require.True(t, fibers[1].Terminated())
}

func TestRingFourFibersTenRounds(t *testing.T) {
	// End-to-end scenario 3: N=4, R=1, M=10, P=1.
	const n = 4
	const rounds = 10

	s := New(Config{Workers: 1, Capacity: 64})
	defer s.Stop()

	fibers := make([]*Fiber, n)
	cycles := make([]int32, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		fibers[i] = s.Spawn(func(ctx context.Context, arg any) {
			defer wg.Done()
			next := (i + 1) % n
			for r := 0; r < rounds; r++ {
				if i == r%n {
					Wake(fibers[next])
					Wait(ctx)
				} else {
					Wait(ctx)
					Wake(fibers[next])
				}
				cycles[i]++
			}
			Done(ctx)
		}, nil, 0)
	}

	s.Start()
	wg.Wait()

	for i := 0; i < n; i++ {
		require.EqualValues(t, rounds, cycles[i], "fiber %d", i)
		require.True(t, fibers[i].Terminated())
	}
}

func TestMultiWorkerDisjointGroups(t *testing.T) {
	// End-to-end scenario 4: N=2, R=8, P=4 — 8 groups of 2 ping-pong
	// pairs spread across 4 workers; group cohesion must hold.
	const groups = 8
	const n = 2
	const workers = 4

	s := New(Config{Workers: workers, Capacity: 64})
	defer s.Stop()

	fibers := make([]*Fiber, groups*n)
	var wg sync.WaitGroup
	wg.Add(groups * n)

	for g := 0; g < groups; g++ {
		for i := 0; i < n; i++ {
			idx := g*n + i
			local := i
			fibers[idx] = s.Spawn(func(ctx context.Context, arg any) {
				defer wg.Done()
				next := g*n + (local+1)%n
				if local == 0 {
					Wake(fibers[next])
					Wait(ctx)
				} else {
					Wait(ctx)
					Wake(fibers[next])
				}
				Done(ctx)
			}, nil, g)
		}
	}

	s.Start()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ring did not complete")
	}

	for g := 0; g < groups; g++ {
		w0 := fibers[g*n].worker
		for i := 1; i < n; i++ {
			require.Same(t, w0, fibers[g*n+i].worker, "group %d not cohesive", g)
		}
	}
}

func TestWakeBeforeWaitIsAbsorbed(t *testing.T) {
	// End-to-end scenario 5: A wakes B before B ever waits; B's
	// subsequent Wait must not suspend.
	//
	// A single worker only ever runs one fiber at a time (the
	// dispatcher baton-passes between fiber goroutines), so the only
	// way to make A's Wake(B) happen strictly before B's Wait is to
	// have B still sitting READY in the queue — never yet launched —
	// when A runs. The ready queue is LIFO (sched.go's worker.next),
	// so spawning B first and A second puts A on top: A runs to
	// completion first, calls Wake(B) while B is still READY (absorbed
	// into B's pendingWake counter), and only then does B launch and
	// call Wait, which must return immediately without suspending.
	s := New(Config{Workers: 1, Capacity: 16})

	var bFiber *Fiber
	var bWaitedAndContinued bool

	bFiber = s.Spawn(func(ctx context.Context, arg any) {
		Wait(ctx)
		bWaitedAndContinued = true
		Done(ctx)
	}, nil, 0)

	s.Spawn(func(ctx context.Context, arg any) {
		Wake(bFiber)
		Done(ctx)
	}, nil, 0)

	s.Start()
	require.NoError(t, s.Stop())

	require.True(t, bFiber.Terminated())
	require.True(t, bWaitedAndContinued)
}

func TestSpawnPanicsOnCapacityOverflow(t *testing.T) {
	s := New(Config{Workers: 1, Capacity: 1})
	defer s.Stop()

	s.Spawn(func(ctx context.Context, arg any) {
		Wait(ctx)
	}, nil, 0)

	require.Panics(t, func() {
		s.Spawn(func(ctx context.Context, arg any) {}, nil, 0)
	})
}

func TestSelfOutsideFiberPanics(t *testing.T) {
	require.Panics(t, func() {
		Self(context.Background())
	})
}

func TestGroupAssignmentIsModP(t *testing.T) {
	s := New(Config{Workers: 3, Capacity: 16})
	defer s.Stop()

	for group := 0; group < 9; group++ {
		f := s.Spawn(func(ctx context.Context, arg any) {}, nil, group)
		require.Equal(t, group%3, f.worker.id)
	}
}
