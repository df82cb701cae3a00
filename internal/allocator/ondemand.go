package allocator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmcore/internal/logging"
	"github.com/tetratelabs/wasmcore/internal/platform"
	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// OnDemandConfig configures an OnDemand allocator.
type OnDemandConfig struct {
	// ModuleLimits are checked by ValidateModule.
	ModuleLimits ModuleLimits
	// MemoryReservationSize is the most address space a linear memory may use, which caps its maximum size.
	MemoryReservationSize uint64
	// MemoryGuardSize is the size of the inaccessible region reserved after each linear memory.
	MemoryGuardSize uint64
}

// DefaultOnDemandConfig returns no module limits, a 4GiB reservation and a 2GiB guard on 64-bit hosts.
func DefaultOnDemandConfig() OnDemandConfig {
	c := OnDemandConfig{ModuleLimits: UnlimitedModuleLimits()}
	if ptrSize == 4 {
		c.MemoryReservationSize = 10 << 20
		c.MemoryGuardSize = 64 << 10
	} else {
		c.MemoryReservationSize = 4 << 30
		c.MemoryGuardSize = 2 << 30
	}
	return c
}

// OnDemand allocates every instance independently and frees it entirely on Deallocate.
type OnDemand struct {
	config OnDemandConfig
	// maxPages is the number of pages that fit in the memory reservation.
	maxPages uint32
}

// NewOnDemand returns an OnDemand allocator.
func NewOnDemand(config OnDemandConfig) (*OnDemand, error) {
	if err := config.ModuleLimits.Validate(); err != nil {
		return nil, err
	}
	config.MemoryReservationSize = platform.RoundUpToPage(config.MemoryReservationSize)
	config.MemoryGuardSize = platform.RoundUpToPage(config.MemoryGuardSize)
	pages := config.MemoryReservationSize / wasm.PageSize
	if pages > uint64(wasm.MemoryLimitPages) {
		pages = uint64(wasm.MemoryLimitPages)
	}
	return &OnDemand{config: config, maxPages: uint32(pages)}, nil
}

// ValidateModule implements InstanceAllocator.ValidateModule.
func (a *OnDemand) ValidateModule(m *wasm.Module) error {
	if err := a.config.ModuleLimits.ValidateModule(m); err != nil {
		return err
	}
	for i := range m.Memories {
		if min := m.Memories[i].Min; min > a.maxPages {
			return fmt.Errorf("%w: memory index %d has a minimum page size of %d which exceeds the reservation of %d pages",
				ErrLimitExceeded, i, min, a.maxPages)
		}
	}
	return nil
}

// Allocate implements InstanceAllocator.Allocate.
func (a *OnDemand) Allocate(req *AllocationRequest) (h *InstanceHandle, err error) {
	if err = req.validate(); err != nil {
		return nil, err
	}
	if err = a.ValidateModule(req.Module); err != nil {
		return nil, err
	}

	size := int(platform.RoundUpToPage(uint64(req.Offsets.SizeOfVMContext())))
	vmctx, err := platform.ReserveMemory(size)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve the VM context: %w", err)
	}
	h = &InstanceHandle{Module: req.Module, Offsets: req.Offsets, vmctx: vmctx, slot: -1}
	defer func() {
		if err != nil {
			a.Deallocate(h)
			h = nil
		}
	}()
	if err = platform.CommitMemory(vmctx); err != nil {
		return h, err
	}
	h.vmctx = vmctx[:req.Offsets.SizeOfVMContext()]

	for i := range req.Module.Tables {
		t, err := newTable(&req.Module.Tables[i], a.config.ModuleLimits.TableElements)
		if err != nil {
			return h, err
		}
		h.tables = append(h.tables, t)
	}
	for i := range req.Module.Memories {
		m, err := a.newMemory(&req.Module.Memories[i])
		if err != nil {
			return h, err
		}
		h.memories = append(h.memories, m)
	}

	h.initVMContext(req)
	logging.For(logging.LogScopeAllocator).Debug("allocated instance",
		zap.String("module", req.Module.Name), zap.Int("vmctx_size", len(h.vmctx)))
	return h, nil
}

func (a *OnDemand) newMemory(m *wasm.Memory) (*Memory, error) {
	max := m.MaxPages()
	if max > a.maxPages {
		max = a.maxPages
	}
	if max > a.config.ModuleLimits.MemoryPages {
		max = a.config.ModuleLimits.MemoryPages
	}
	size := uint64(max)*wasm.PageSize + a.config.MemoryGuardSize
	if size == 0 {
		size = uint64(platform.PageSize())
	}
	reservation, err := platform.ReserveMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %d bytes of memory: %w", size, err)
	}
	mem, err := newMemory(reservation, m, max, false)
	if err != nil {
		_ = platform.ReleaseMemory(reservation)
		return nil, err
	}
	return mem, nil
}

// Deallocate implements InstanceAllocator.Deallocate.
func (a *OnDemand) Deallocate(h *InstanceHandle) {
	log := logging.For(logging.LogScopeAllocator)
	if err := h.release(); err != nil {
		log.Warn("failed to release instance memory", zap.Error(err))
	}
	if h.vmctx != nil {
		if err := platform.ReleaseMemory(h.vmctx[:cap(h.vmctx)]); err != nil {
			log.Warn("failed to release the VM context", zap.Error(err))
		}
		h.vmctx = nil
	}
}

// Close implements InstanceAllocator.Close.
func (a *OnDemand) Close() error {
	return nil
}
