package allocator

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wasmcore/internal/wasm"
)

func testPoolingConfig(strategy PoolingAllocationStrategy) PoolingConfig {
	return PoolingConfig{
		Strategy: strategy,
		ModuleLimits: ModuleLimits{
			ImportedFunctions: 1,
			ImportedGlobals:   1,
			Types:             2,
			Functions:         2,
			Tables:            1,
			Memories:          1,
			Globals:           1,
			TableElements:     4,
			MemoryPages:       2,
		},
		InstanceLimits: InstanceLimits{Count: 2, MemoryReservationSize: 2 * wasm.PageSize},
		Seed:           1,
	}
}

func newTestPooling(t *testing.T, strategy PoolingAllocationStrategy) *Pooling {
	p, err := NewPooling(testPoolingConfig(strategy))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

func TestNewPooling_invalid(t *testing.T) {
	config := testPoolingConfig(PoolingAllocationStrategyNextAvailable)
	config.InstanceLimits.Count = 0
	_, err := NewPooling(config)
	require.ErrorIs(t, err, ErrInvalidLimits)

	config = testPoolingConfig(PoolingAllocationStrategyNextAvailable)
	config.ModuleLimits.MemoryPages = 3
	_, err = NewPooling(config)
	require.EqualError(t, err, "invalid limits: module memory page limit of 3 pages exceeds the memory reservation size limit of 131072 bytes")
}

func TestPooling_Allocate(t *testing.T) {
	p := newTestPooling(t, PoolingAllocationStrategyNextAvailable)
	require.Equal(t, 2, p.Available())

	req := testRequest(t, testModule())
	h, err := p.Allocate(req)
	require.NoError(t, err)
	require.Equal(t, 0, h.Slot())
	require.Equal(t, 1, p.Available())
	requireVMContext(t, h, req)

	mem := h.Memory(0)
	require.Equal(t, uint32(1), mem.Size())
	// The declared maximum of 3 is capped by the module limits.
	require.Equal(t, uint32(2), mem.Max())
	_, ok := mem.Grow(1)
	require.True(t, ok)
	requireVMContext(t, h, req)
	_, ok = mem.Grow(1)
	require.False(t, ok)

	table := h.Table(0)
	require.Equal(t, uint32(4), table.Max())
	_, ok = table.Grow(2, 0)
	require.True(t, ok)
	requireVMContext(t, h, req)
	_, ok = table.Grow(1, 0)
	require.False(t, ok)

	p.Deallocate(h)
	require.Equal(t, -1, h.Slot())
	require.Equal(t, 2, p.Available())
}

func TestPooling_Allocate_exceedsLimits(t *testing.T) {
	p := newTestPooling(t, PoolingAllocationStrategyNextAvailable)

	m := testModule()
	m.Functions = append(m.Functions, 0)
	_, err := p.Allocate(testRequest(t, m))
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.EqualError(t, err, "module exceeds limits: defined function count of 3 exceeds the limit of 2")
	// Nothing was taken from the pool.
	require.Equal(t, 2, p.Available())

	m = testModule()
	m.Memories[0].Min = 3
	_, err = p.Allocate(testRequest(t, m))
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, 2, p.Available())
}

func TestPooling_Allocate_exhausted(t *testing.T) {
	p := newTestPooling(t, PoolingAllocationStrategyNextAvailable)
	req := testRequest(t, testModule())

	first, err := p.Allocate(req)
	require.NoError(t, err)
	second, err := p.Allocate(req)
	require.NoError(t, err)
	require.Equal(t, 1, second.Slot())

	_, err = p.Allocate(req)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.EqualError(t, err, "instance pool exhausted: maximum concurrent instance limit of 2 reached")

	p.Deallocate(first)
	third, err := p.Allocate(req)
	require.NoError(t, err)
	require.Equal(t, 0, third.Slot())

	p.Deallocate(second)
	p.Deallocate(third)
}

func TestPooling_Deallocate_resetsSlot(t *testing.T) {
	p := newTestPooling(t, PoolingAllocationStrategyNextAvailable)
	req := testRequest(t, testModule())

	h, err := p.Allocate(req)
	require.NoError(t, err)
	mem := h.Memory(0)
	_, ok := mem.Grow(1)
	require.True(t, ok)
	for i := range mem.Bytes() {
		mem.Bytes()[i] = 0xfe
	}
	require.True(t, h.Table(0).Set(1, 0xdead))
	h.SetGlobal(0, [2]uint64{0xdead, 0xbeef})
	p.Deallocate(h)

	h, err = p.Allocate(req)
	require.NoError(t, err)
	defer p.Deallocate(h)
	require.Equal(t, 0, h.Slot())

	mem = h.Memory(0)
	require.Equal(t, uint32(1), mem.Size())
	_, ok = mem.Grow(1)
	require.True(t, ok)
	for i, b := range mem.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d of the reused memory is %#x", i, b)
		}
	}
	v, _ := h.Table(0).Get(1)
	require.Zero(t, v)
	require.Equal(t, [2]uint64{42, 0}, h.Global(0))
	requireVMContext(t, h, req)
}

func TestPooling_Deallocate_notPooled(t *testing.T) {
	p := newTestPooling(t, PoolingAllocationStrategyNextAvailable)
	h := &InstanceHandle{Module: &wasm.Module{Name: "test"}, slot: -1}
	require.PanicsWithError(t, `BUG: instance of module "test" is not from a pool`, func() { p.Deallocate(h) })
}

func TestPooling_random(t *testing.T) {
	p := newTestPooling(t, PoolingAllocationStrategyRandom)
	req := testRequest(t, testModule())

	a, err := p.Allocate(req)
	require.NoError(t, err)
	b, err := p.Allocate(req)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{0, 1}, []int{a.Slot(), b.Slot()})
	p.Deallocate(a)
	p.Deallocate(b)
}

func TestPooling_Close(t *testing.T) {
	p, err := NewPooling(testPoolingConfig(PoolingAllocationStrategyNextAvailable))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Allocate(testRequest(t, testModule()))
	require.EqualError(t, err, "instance pool exhausted: the pool is closed")
}

func TestPooling_concurrent(t *testing.T) {
	p := newTestPooling(t, PoolingAllocationStrategyRandom)
	req := testRequest(t, testModule())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := p.Allocate(req)
				if errors.Is(err, ErrPoolExhausted) {
					continue
				} else if err != nil {
					errs <- err
					return
				}
				h.Memory(0).Bytes()[0]++
				if h.Memory(0).Bytes()[0] != 1 {
					errs <- errors.New("slot was not reset")
					return
				}
				p.Deallocate(h)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 2, p.Available())
}
