package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialQueueRunsInOrder(t *testing.T) {
	q := newSerialQueue()
	defer q.close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.submit(func() { got = append(got, i) }))
	}
	q.submitWait(func() {})

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueueNeverOverlaps(t *testing.T) {
	q := newSerialQueue()
	defer q.close()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.submitWait(func() {
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				running.Add(-1)
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestSerialQueueCloseDrains(t *testing.T) {
	q := newSerialQueue()
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		q.submit(func() { ran.Add(1) })
	}
	q.close()
	assert.Equal(t, int32(10), ran.Load())

	assert.False(t, q.submit(func() {}))
	assert.False(t, q.submitWait(func() {}))
	q.close()
}
