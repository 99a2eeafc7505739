package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	m := NewMonotonic()
	now := time.Now()

	prev := ""
	for i := 0; i < 1000; i++ {
		ts := now
		if i%100 == 0 {
			ts = now.Add(-time.Second)
		}
		id, err := m.Next(ts)
		require.NoError(t, err)
		require.Len(t, id, 26)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestMonotonicConcurrentUnique(t *testing.T) {
	t.Parallel()

	m := NewMonotonic()
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id, err := m.Next(time.Now())
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}
