package allocator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/logging"
	"github.com/tetratelabs/wasmcore/internal/platform"
	"github.com/tetratelabs/wasmcore/internal/vmoffsets"
	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// PoolingConfig configures a Pooling allocator.
type PoolingConfig struct {
	Strategy       PoolingAllocationStrategy
	ModuleLimits   ModuleLimits
	InstanceLimits InstanceLimits
	// Seed seeds PoolingAllocationStrategyRandom. Zero uses the current time.
	Seed int64
}

// DefaultPoolingConfig returns the random strategy with the default limits.
func DefaultPoolingConfig() PoolingConfig {
	return PoolingConfig{
		Strategy:       PoolingAllocationStrategyRandom,
		ModuleLimits:   DefaultModuleLimits(),
		InstanceLimits: DefaultInstanceLimits(),
	}
}

// pool is a reservation split in equally sized slots, perInstance of them per instance slot.
type pool struct {
	reservation []byte
	slotSize    int
	perInstance int
}

func newPool(instances, perInstance, slotSize int) (*pool, error) {
	p := &pool{slotSize: slotSize, perInstance: perInstance}
	if perInstance == 0 || slotSize == 0 {
		return p, nil
	}
	size := uint64(instances) * uint64(perInstance) * uint64(slotSize)
	if size/uint64(instances)/uint64(perInstance) != uint64(slotSize) || size > uint64(maxInt) {
		return nil, fmt.Errorf("%w: pool of %d instances with %d slots of %d bytes overflows the address space",
			ErrInvalidLimits, instances, perInstance, slotSize)
	}
	reservation, err := platform.ReserveMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %d bytes for the pool: %w", size, err)
	}
	p.reservation = reservation
	return p, nil
}

const maxInt = int(^uint(0) >> 1)

// slot returns slot i of instance slot instance.
func (p *pool) slot(instance, i int) []byte {
	start := (instance*p.perInstance + i) * p.slotSize
	return p.reservation[start : start+p.slotSize : start+p.slotSize]
}

func (p *pool) release() error {
	if p.reservation == nil {
		return nil
	}
	err := platform.ReleaseMemory(p.reservation)
	p.reservation = nil
	return err
}

// Pooling allocates instances from InstanceLimits.Count slots reserved up front, each big enough for the largest
// module ModuleLimits accept.
type Pooling struct {
	moduleLimits   ModuleLimits
	instanceLimits InstanceLimits
	// offsets is the context layout of the largest module.
	offsets vmoffsets.VMOffsets

	instances *pool
	memories  *pool
	tables    *pool

	mux     sync.Mutex
	indices *indexAllocator
	// committed is how many bytes of each instance slot are committed, zero when the slot is free.
	committed []int
	closed    bool
}

// NewPooling reserves the address space of every slot. None of it is committed until an instance occupies a slot.
func NewPooling(config PoolingConfig) (*Pooling, error) {
	if err := config.InstanceLimits.normalize(&config.ModuleLimits); err != nil {
		return nil, err
	}
	offsets, err := config.ModuleLimits.offsets()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLimits, err)
	}
	count := int(config.InstanceLimits.Count)

	p := &Pooling{
		moduleLimits:   config.ModuleLimits,
		instanceLimits: config.InstanceLimits,
		offsets:        offsets,
		committed:      make([]int, count),
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p.indices = newIndexAllocator(config.Strategy, count, seed)

	instanceSize := int(platform.RoundUpToPage(uint64(offsets.SizeOfVMContext())))
	tableSize := int(platform.RoundUpToPage(uint64(config.ModuleLimits.TableElements) * uint64(ptrSize)))
	memorySize := int(config.InstanceLimits.MemoryReservationSize)

	if p.instances, err = newPool(count, 1, instanceSize); err != nil {
		return nil, err
	}
	if p.memories, err = newPool(count, int(config.ModuleLimits.Memories), memorySize); err != nil {
		_ = p.Close()
		return nil, err
	}
	if p.tables, err = newPool(count, int(config.ModuleLimits.Tables), tableSize); err != nil {
		_ = p.Close()
		return nil, err
	}

	logging.For(logging.LogScopePool).Debug("created instance pool",
		zap.Stringer("strategy", config.Strategy),
		zap.Int("instances", count),
		zap.Int("instance_size", instanceSize),
		zap.Uint32("memories_per_instance", config.ModuleLimits.Memories),
		zap.Int("memory_size", memorySize),
		zap.Uint32("tables_per_instance", config.ModuleLimits.Tables),
		zap.Int("table_size", tableSize))
	return p, nil
}

// ModuleLimits returns the limits the pool was sized for.
func (p *Pooling) ModuleLimits() ModuleLimits {
	return p.moduleLimits
}

// InstanceLimits returns the limits of the pool, with the memory reservation rounded.
func (p *Pooling) InstanceLimits() InstanceLimits {
	return p.instanceLimits
}

// Available returns the number of free slots.
func (p *Pooling) Available() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.indices.available()
}

// ValidateModule implements InstanceAllocator.ValidateModule.
func (p *Pooling) ValidateModule(m *wasm.Module) error {
	return p.moduleLimits.ValidateModule(m)
}

// Allocate implements InstanceAllocator.Allocate. It returns ErrPoolExhausted if every slot is in use.
func (p *Pooling) Allocate(req *AllocationRequest) (h *InstanceHandle, err error) {
	if err = req.validate(); err != nil {
		return nil, err
	}
	if err = p.ValidateModule(req.Module); err != nil {
		return nil, err
	}
	size := req.Offsets.SizeOfVMContext()
	if size > p.offsets.SizeOfVMContext() {
		return nil, fmt.Errorf("BUG: VM context of %d bytes exceeds the slot size of %d", size, p.offsets.SizeOfVMContext())
	}

	slot, err := p.acquire()
	if err != nil {
		return nil, err
	}
	h = &InstanceHandle{Module: req.Module, Offsets: req.Offsets, slot: slot}
	defer func() {
		if err != nil {
			p.Deallocate(h)
			h = nil
		}
	}()

	vmctx := p.instances.slot(slot, 0)
	committed := int(platform.RoundUpToPage(uint64(size)))
	if err = platform.CommitMemory(vmctx[:committed]); err != nil {
		return h, err
	}
	p.mux.Lock()
	p.committed[slot] = committed
	p.mux.Unlock()
	h.vmctx = vmctx[:size]

	for i := range req.Module.Tables {
		storage := p.tables.slot(slot, i)
		if err = platform.CommitMemory(storage); err != nil {
			return h, err
		}
		t, err := newPooledTable(&req.Module.Tables[i], p.moduleLimits.TableElements, storage)
		if err != nil {
			_ = platform.DecommitMemory(storage)
			return h, err
		}
		h.tables = append(h.tables, t)
	}
	for i := range req.Module.Memories {
		m, err := newMemory(p.memories.slot(slot, i), &req.Module.Memories[i], p.moduleLimits.MemoryPages, true)
		if err != nil {
			return h, err
		}
		h.memories = append(h.memories, m)
	}

	h.initVMContext(req)
	logging.For(logging.LogScopePool).Debug("allocated instance",
		zap.String("module", req.Module.Name), zap.Int("slot", slot))
	return h, nil
}

func (p *Pooling) acquire() (int, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return 0, fmt.Errorf("%w: the pool is closed", ErrPoolExhausted)
	}
	slot, ok := p.indices.alloc()
	if !ok {
		return 0, fmt.Errorf("%w: maximum concurrent instance limit of %d reached", ErrPoolExhausted, p.instanceLimits.Count)
	}
	return slot, nil
}

// Deallocate implements InstanceAllocator.Deallocate. The slot is reset before it is handed out again, so the next
// instance never observes what this one wrote.
func (p *Pooling) Deallocate(h *InstanceHandle) {
	log := logging.For(logging.LogScopePool)
	if h.slot < 0 {
		panic(fmt.Errorf("BUG: instance of module %q is not from a pool", h.Module.Name))
	}
	if err := h.release(); err != nil {
		log.Warn("failed to reset instance memory", zap.Int("slot", h.slot), zap.Error(err))
	}

	p.mux.Lock()
	defer p.mux.Unlock()
	if committed := p.committed[h.slot]; committed > 0 {
		if err := platform.DecommitMemory(p.instances.slot(h.slot, 0)[:committed]); err != nil {
			log.Warn("failed to reset the VM context", zap.Int("slot", h.slot), zap.Error(err))
		}
		p.committed[h.slot] = 0
	}
	p.indices.release(h.slot)
	log.Debug("released instance", zap.String("module", h.Module.Name), zap.Int("slot", h.slot))
	h.vmctx = nil
	h.slot = -1
}

// Close implements InstanceAllocator.Close.
func (p *Pooling) Close() (err error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, pl := range []*pool{p.instances, p.memories, p.tables} {
		if pl == nil {
			continue
		}
		if e := pl.release(); e != nil && err == nil {
			err = e
		}
	}
	return
}
