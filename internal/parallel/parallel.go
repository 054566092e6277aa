// Package parallel provides the work-sharing loop layers use to split
// independent channels or rows across CPU workers.
package parallel

import (
	"golang.org/x/sync/errgroup"
)

// For runs f(i) for every i in [0, n) using at most threads goroutines.
// Iterations are split into contiguous chunks, one per worker, so each
// worker touches a disjoint range. With threads <= 1 or n <= 1 the loop runs
// on the calling goroutine. Goroutines live only for the duration of the
// call.
func For(n, threads int, f func(i int)) {
	Range(n, threads, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	})
}

// Range is For with the chunk bounds handed to f directly.
func Range(n, threads int, f func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := min(max(threads, 1), n)
	if workers == 1 {
		f(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			f(start, end)
			return nil
		})
	}
	_ = g.Wait()
}
