package goroutineid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_stable(t *testing.T) {
	a := Get()
	b := Get()
	require.NotZero(t, a)
	assert.Equal(t, a, b)
}

func TestGet_distinctAcrossGoroutines(t *testing.T) {
	const n = 16
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i] = Get()
		}()
	}
	wg.Wait()
	seen := make(map[uint64]struct{}, n+1)
	seen[Get()] = struct{}{}
	for _, id := range ids {
		require.NotZero(t, id)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate goroutine id %d", id)
		seen[id] = struct{}{}
	}
}
