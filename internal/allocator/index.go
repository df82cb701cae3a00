package allocator

import (
	"math/rand"
)

// indexAllocator hands out slot indices. It is not safe for concurrent use.
type indexAllocator struct {
	strategy PoolingAllocationStrategy
	rand     *rand.Rand
	// free holds the free indices. Allocation takes from the end, so it is initialized in reverse to hand out the
	// lowest index first.
	free []int
}

func newIndexAllocator(strategy PoolingAllocationStrategy, n int, seed int64) *indexAllocator {
	a := &indexAllocator{strategy: strategy, free: make([]int, n)}
	for i := range a.free {
		a.free[i] = n - 1 - i
	}
	if strategy == PoolingAllocationStrategyRandom {
		a.rand = rand.New(rand.NewSource(seed))
	}
	return a
}

// alloc returns a free index, or false if there is none.
func (a *indexAllocator) alloc() (int, bool) {
	n := len(a.free)
	if n == 0 {
		return 0, false
	}
	i := n - 1
	if a.strategy == PoolingAllocationStrategyRandom {
		i = a.rand.Intn(n)
	}
	index := a.free[i]
	a.free[i] = a.free[n-1]
	a.free = a.free[:n-1]
	return index, true
}

// release returns index to the free set.
func (a *indexAllocator) release(index int) {
	a.free = append(a.free, index)
}

// available returns the number of free indices.
func (a *indexAllocator) available() int {
	return len(a.free)
}
