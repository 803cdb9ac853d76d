// Command singleproc is a minimal single-worker debug harness for
// internal/fiberrt, bypassing pkg/sched entirely — grounded directly
// on original_source/main.c, which drives struct usched with a
// hand-rolled round-robin _next() over a fixed array instead of a
// real scheduler.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/nikanor-labs/usched/internal/fiberrt"
	"github.com/nikanor-labs/usched/internal/obs"
)

func main() {
	count := flag.Int("fibers", 10, "number of fibers (NR in main.c)")
	steps := flag.Int("steps", 40, "total suspend/resume steps to run before terminating")
	verbose := flag.Bool("verbose", false, "enable dispatch-level debug logging")
	flag.Parse()

	logger := obs.New(*verbose)
	if *verbose {
		logger.EnableCategory(obs.CatDispatch)
	}

	fibers := make([]*fiberrt.Fiber, *count)

	var d *fiberrt.Dispatcher
	idx := 0
	budget := *steps
	d = fiberrt.New(fiberrt.Callbacks{
		Next: func() *fiberrt.Fiber {
			// _next() in main.c: idx++ % NR, forever. The original never
			// stops; this harness caps total dispatch steps with budget
			// so the demo terminates instead of running forever.
			if budget <= 0 {
				return nil
			}
			budget--
			f := fibers[idx%len(fibers)]
			idx++
			return f
		},
	}, logger)

	for i := range fibers {
		i := i
		fibers[i] = fiberrt.NewFiber(d, func(ctx context.Context, arg any) {
			round := 0
			for {
				fmt.Printf("%d:%d\n", i, round)
				fiberrt.Suspend(ctx)
				round++
			}
		}, nil)
	}

	// Run() loops internally until Next() returns nil, so a single call
	// drains the whole budget (struct usched's usched_run never returns
	// in main.c because its _next() never does either).
	d.Run()
}
