package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_EveryItemReportedOnce(t *testing.T) {
	items := make([]int, 200)
	for i := range items {
		items[i] = i
	}

	seen := make(map[int]int)
	for r := range Run(context.Background(), items, Options{Workers: 8}, func(_ context.Context, n int) (int, error) {
		return n * n, nil
	}) {
		require.NoError(t, r.Err)
		assert.Equal(t, r.Item*r.Item, r.Value)
		assert.Equal(t, items[r.Index], r.Item)
		seen[r.Index]++
	}

	assert.Len(t, seen, len(items))
	for idx, count := range seen {
		assert.Equal(t, 1, count, "index %d", idx)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	results := Collect(context.Background(), []string{}, Options{}, func(context.Context, string) (int, error) {
		t.Fatal("fn must not be called")
		return 0, nil
	})
	assert.Empty(t, results)
}

func TestRun_ErrorsAndPanicsAreIsolated(t *testing.T) {
	boom := errors.New("boom")
	items := []string{"ok", "err", "panic", "ok2"}

	results := Collect(context.Background(), items, Options{Workers: 2}, func(_ context.Context, s string) (string, error) {
		switch s {
		case "err":
			return "", boom
		case "panic":
			panic("kaboom")
		}
		return s + "!", nil
	})

	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "ok!", results[0].Value)
	assert.ErrorIs(t, results[1].Err, boom)

	var pe *PanicError
	require.True(t, errors.As(results[2].Err, &pe))
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Contains(t, pe.Error(), "kaboom")

	assert.NoError(t, results[3].Err)
	assert.Equal(t, "ok2!", results[3].Value)
}

func TestRun_RespectsWorkerLimit(t *testing.T) {
	const workers = 3
	items := make([]int, 30)

	var current, peak atomic.Int64
	Collect(context.Background(), items, Options{Workers: workers}, func(context.Context, int) (struct{}, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		return struct{}{}, nil
	})

	assert.LessOrEqual(t, peak.Load(), int64(workers))
	assert.Positive(t, peak.Load())
}

func TestRun_Progress(t *testing.T) {
	items := make([]int, 25)

	var mu sync.Mutex
	var updates []Progress
	Collect(context.Background(), items, Options{
		Workers: 4,
		OnProgress: func(p Progress) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		},
	}, func(context.Context, int) (int, error) { return 0, nil })

	require.Len(t, updates, len(items))
	maxDone := 0
	for _, p := range updates {
		assert.Equal(t, len(items), p.Total)
		maxDone = max(maxDone, p.Done)
	}
	assert.Equal(t, len(items), maxDone)
}

func TestRun_CancelledContextSkipsPendingItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	var calls atomic.Int64
	results := Collect(ctx, items, Options{Workers: 1}, func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		if n == 4 {
			cancel()
		}
		return n, nil
	})

	require.Len(t, results, len(items))
	var cancelled int
	for _, r := range results {
		if errors.Is(r.Err, context.Canceled) {
			cancelled++
		}
	}
	assert.Equal(t, len(items), int(calls.Load())+cancelled)
	assert.Less(t, int(calls.Load()), len(items))
	assert.Positive(t, cancelled)
}

func TestDefaults(t *testing.T) {
	assert.Positive(t, CPUWorkers())
	assert.Equal(t, 2*CPUWorkers(), IOWorkers())
}

func ExampleCollect() {
	results := Collect(context.Background(), []int{1, 2, 3}, Options{Workers: 2}, func(_ context.Context, n int) (int, error) {
		return n * 10, nil
	})
	for _, r := range results {
		fmt.Println(r.Index, r.Value)
	}
	// Output:
	// 0 10
	// 1 20
	// 2 30
}
