package fn

import (
	"context"
	"sync"
)

// ParMapResult runs stage over items with at most workers in flight and
// returns the results in input order. Once ctx is done, items that have not
// started yet fail with ctx.Err() instead of running.
func ParMapResult[T, U any](ctx context.Context, items []T, workers int, stage Stage[T, U]) []Result[U] {
	out := make([]Result[U], len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	next := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range next {
				if err := ctx.Err(); err != nil {
					out[i] = Err[U](err)
					continue
				}
				out[i] = stage(ctx, items[i])
			}
		}()
	}
	for i := range items {
		next <- i
	}
	close(next)
	wg.Wait()
	return out
}
