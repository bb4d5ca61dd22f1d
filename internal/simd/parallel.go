package simd

import (
	"runtime"
	"sync"
)

// Parallel splits [0, n) into contiguous chunks and runs fn on each chunk
// in its own goroutine. workers <= 1 runs inline on the calling goroutine,
// workers == 0 uses GOMAXPROCS. fn must not retain its range past return.
func Parallel(n, workers int, fn func(start, end int)) {
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
