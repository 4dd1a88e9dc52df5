package signalservice

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueRunsInOrder(t *testing.T) {
	q := NewWorkQueue()
	defer q.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 20 {
		q.Go(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestWorkQueueDoReturnsJobError(t *testing.T) {
	q := NewWorkQueue()
	defer q.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, q.Do(t.Context(), func() error { return boom }), boom)
	require.NoError(t, q.Do(t.Context(), func() error { return nil }))
}

func TestWorkQueueSerializesJobs(t *testing.T) {
	q := NewWorkQueue()
	defer q.Close()

	var running, peak int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func() error {
				mu.Lock()
				running++
				peak = max(peak, running)
				mu.Unlock()
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestWorkQueueDoHonorsContext(t *testing.T) {
	q := NewWorkQueue()
	defer q.Close()

	release := make(chan struct{})
	q.Go(func() { <-release })

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	ran := make(chan struct{})
	err := q.Do(ctx, func() error { close(ran); return nil })
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	<-ran
}

func TestWorkQueueClose(t *testing.T) {
	q := NewWorkQueue()
	done := false
	q.Go(func() { done = true })
	q.Close()
	assert.True(t, done, "queued jobs run before Close returns")

	require.ErrorIs(t, q.Do(t.Context(), func() error { return nil }), ErrQueueClosed)
	q.Go(func() { t.Error("job ran after Close") })
	q.Wait()
	q.Close()
}
