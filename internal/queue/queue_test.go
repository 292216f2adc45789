package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdersByPriority(t *testing.T) {
	q := New[string]()
	q.Enqueue("low", 10)
	q.Enqueue("high", 1)
	q.Enqueue("mid", 5)

	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "high", v)

	v, _ = q.Dequeue()
	assert.Equal(t, "mid", v)

	v, _ = q.Dequeue()
	assert.Equal(t, "low", v)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Enqueue(i, 0)
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestTakeBlocksUntilEnqueue(t *testing.T) {
	q := New[string]()

	got := make(chan string, 1)
	go func() {
		v, err := q.Take(context.Background())
		require.NoError(t, err)
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue("late", 0)

	select {
	case v := <-got:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestTakeCancelled(t *testing.T) {
	q := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New[int]()
	const n = 500

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < n/5; i++ {
				q.Enqueue(p*1000+i, 0)
			}
		}(p)
	}

	seen := make(chan int, n)
	for c := 0; c < 3; c++ {
		go func() {
			for {
				v, err := q.Take(context.Background())
				if err != nil {
					return
				}
				seen <- v
			}
		}()
	}

	wg.Wait()
	unique := make(map[int]struct{})
	for i := 0; i < n; i++ {
		select {
		case v := <-seen:
			unique[v] = struct{}{}
		case <-time.After(2 * time.Second):
			t.Fatal("missing items")
		}
	}
	assert.Len(t, unique, n)
}

func TestDrainAll(t *testing.T) {
	q := New[int]()
	q.Enqueue(2, 1)
	q.Enqueue(1, 0)
	q.Enqueue(3, 2)

	assert.Equal(t, []int{1, 2, 3}, q.DrainAll())
	assert.Equal(t, 0, q.Len())
}
