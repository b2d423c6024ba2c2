package promise

import (
	"context"
	"sync"
)

// All runs every fn concurrently and waits for all of them, similar to
// JavaScript's Promise.allSettled. Results and errors are positional, and the
// result of a failed fn is the zero value. fns must return once fnCtx is done.
func All[V any](fnCtx context.Context, fns ...func(fnCtx context.Context) (V, error)) ([]V, []error) {
	var (
		wg      sync.WaitGroup
		results = make([]V, len(fns))
		errs    = make([]error, len(fns))
	)
	wg.Add(len(fns))
	for i, fn := range fns {
		go func() {
			defer wg.Done()
			v, err := fn(fnCtx)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = v
		}()
	}
	wg.Wait()
	return results, errs
}
