// Package scheduler runs a function over a static list of items on a fixed
// size worker pool and streams per-item results back to the caller.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Func processes one item.
type Func[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the outcome of one item. Index is the item's position in the
// input slice.
type Result[T, R any] struct {
	Index int
	Item  T
	Value R
	Err   error
}

// Progress is reported after every finished item.
type Progress struct {
	Done  int
	Total int
}

// Options configures Run.
type Options struct {
	// Workers is the pool size; <= 0 means CPUWorkers().
	Workers int
	// OnProgress is called from worker goroutines, possibly concurrently.
	OnProgress func(Progress)
}

// PanicError wraps a panic recovered while processing an item.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// CPUWorkers is the default pool size for CPU-bound work.
func CPUWorkers() int {
	return runtime.NumCPU()
}

// IOWorkers is the default pool size for work dominated by file I/O.
func IOWorkers() int {
	return 2 * runtime.NumCPU()
}

// Run processes items with at most opts.Workers concurrent calls to fn and
// returns a channel receiving exactly one Result per item, in completion
// order. The channel is closed after the last result.
//
// A failing or panicking item never affects the others. Once ctx is done,
// items that have not started yet report ctx.Err() without calling fn.
func Run[T, R any](ctx context.Context, items []T, opts Options, fn Func[T, R]) <-chan Result[T, R] {
	out := make(chan Result[T, R], len(items))

	workers := opts.Workers
	if workers <= 0 {
		workers = CPUWorkers()
	}

	total := len(items)
	var done atomic.Int64
	report := func(r Result[T, R]) {
		out <- r
		n := done.Add(1)
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{Done: int(n), Total: total})
		}
	}

	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(workers)

		for i, item := range items {
			if err := ctx.Err(); err != nil {
				report(Result[T, R]{Index: i, Item: item, Err: err})
				continue
			}
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					report(Result[T, R]{Index: i, Item: item, Err: err})
					return nil
				}
				value, err := call(ctx, item, fn)
				report(Result[T, R]{Index: i, Item: item, Value: value, Err: err})
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

func call[T, R any](ctx context.Context, item T, fn Func[T, R]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, item)
}

// Collect runs items to completion and returns all results ordered by
// input index.
func Collect[T, R any](ctx context.Context, items []T, opts Options, fn Func[T, R]) []Result[T, R] {
	results := make([]Result[T, R], len(items))
	for r := range Run(ctx, items, opts, fn) {
		results[r.Index] = r
	}
	return results
}
