package allocator

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func drain(a *indexAllocator) (indices []int) {
	for {
		i, ok := a.alloc()
		if !ok {
			return
		}
		indices = append(indices, i)
	}
}

func TestIndexAllocator_nextAvailable(t *testing.T) {
	a := newIndexAllocator(PoolingAllocationStrategyNextAvailable, 3, 0)
	require.Equal(t, 3, a.available())

	i, ok := a.alloc()
	require.True(t, ok)
	require.Equal(t, 0, i)
	i, _ = a.alloc()
	require.Equal(t, 1, i)

	// The most recently released index is reused first.
	a.release(0)
	i, _ = a.alloc()
	require.Equal(t, 0, i)

	require.Equal(t, []int{2}, drain(a))
	_, ok = a.alloc()
	require.False(t, ok)
}

func TestIndexAllocator_random(t *testing.T) {
	first := drain(newIndexAllocator(PoolingAllocationStrategyRandom, 16, 42))
	second := drain(newIndexAllocator(PoolingAllocationStrategyRandom, 16, 42))

	// The same seed picks the same slots.
	require.Equal(t, first, second)

	sorted := append([]int(nil), first...)
	sort.Ints(sorted)
	for i := range sorted {
		require.Equal(t, i, sorted[i])
	}
}

func TestIndexAllocator_random_release(t *testing.T) {
	a := newIndexAllocator(PoolingAllocationStrategyRandom, 4, 1)
	all := drain(a)
	require.Equal(t, 0, a.available())

	a.release(all[2])
	i, ok := a.alloc()
	require.True(t, ok)
	require.Equal(t, all[2], i)
}
