package vmm

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/dmem"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/memutils/spans"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// ErrPoolExhausted is returned when a commit needs more free pool memory than the pool holds
var ErrPoolExhausted = memutils.NewSentinel("memory pool exhausted", memutils.ErrOutOfMemory)

// memoryPool holds the direct memory moved into the process's memory pool. Free pool memory is
// kept in free; committed holds the virtual page each committed physical page is mapped at.
type memoryPool struct {
	pageSize  uint64
	free      spans.Set
	committed *swiss.Map[uint64, uint64]
}

func newMemoryPool(pageSize uint64) memoryPool {
	return memoryPool{
		pageSize:  pageSize,
		committed: swiss.NewMap[uint64, uint64](42),
	}
}

func (p *memoryPool) record(physStart, physEnd, virtStart uint64) {
	for phys := physStart; phys < physEnd; phys += p.pageSize {
		p.committed.Put(phys, virtStart+(phys-physStart))
	}
}

func (p *memoryPool) uncommit(physStart, physEnd uint64) {
	for phys := physStart; phys < physEnd; phys += p.pageSize {
		p.committed.Delete(phys)
	}
}

// giveBack returns committed pool pages to the free set
func (p *memoryPool) giveBack(physStart, physEnd uint64) {
	p.uncommit(physStart, physEnd)
	err := p.free.Add(physStart, physEnd)
	if err != nil {
		panic(fmt.Sprintf("pool pages returned twice: %+v", err))
	}
}

// forget drops pool memory that was released back to the allocator
func (p *memoryPool) forget(physStart, physEnd uint64) {
	p.uncommit(physStart, physEnd)
	p.free.Remove(physStart, physEnd)
}

// validate checks every committed pool page against the region mapping it, and that no page is
// both committed and free
func (p *memoryPool) validate(virtual *regions.Map) error {
	var err error
	p.committed.Iter(func(phys, virt uint64) bool {
		if p.free.Contains(phys, phys+p.pageSize) {
			err = errors.Errorf("pool page %#x is both committed and free", phys)
			return true
		}

		region, queryErr := virtual.Query(virt)
		if queryErr != nil {
			err = errors.Wrapf(queryErr, "committed pool page %#x", phys)
			return true
		}
		if region.Kind != regions.KindPooled || !region.Committed || region.OffsetAt(virt) != phys {
			err = errors.Errorf("pool page %#x is not committed at %#x", phys, virt)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	var committedBytes uint64
	for _, region := range virtual.Regions() {
		if region.Kind == regions.KindPooled && region.Committed {
			committedBytes += region.Size()
		}
	}
	if committedBytes != uint64(p.committed.Count())*p.pageSize {
		return errors.Errorf("%#x bytes of pool memory are committed but %d pages are recorded", committedBytes, p.committed.Count())
	}
	return nil
}

// PoolBlockStats counts the blocks of the memory pool
type PoolBlockStats struct {
	// AvailableBlocks is the number of pool blocks that are not committed
	AvailableBlocks int
	// AllocatedBlocks is the number of pool blocks backing committed pool memory
	AllocatedBlocks int
}

func checkPoolGranular(value uint64, name string) error {
	if value%PoolGranularity != 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "%s %#x is not a multiple of %#x", name, value, PoolGranularity)
	}
	return nil
}

func checkPoolSize(size uint64) error {
	if size == 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "size is zero")
	}
	return checkPoolGranular(size, "size")
}

// MemoryPoolExpand moves size bytes of direct memory from the window [searchStart, searchEnd)
// into the memory pool and returns their physical address
func (m *Manager) MemoryPoolExpand(searchStart, searchEnd int64, size, alignment uint64) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MemoryPoolExpand", slog.Int64("SearchStart", searchStart), slog.Int64("SearchEnd", searchEnd), hexAttr("Size", size), hexAttr("Alignment", alignment))

	err := checkPoolSize(size)
	if err != nil {
		return 0, m.fail("Manager::MemoryPoolExpand", err)
	}
	err = checkPoolGranular(alignment, "alignment")
	if err != nil {
		return 0, m.fail("Manager::MemoryPoolExpand", err)
	}

	phys, err := m.dmem.AllocatePooled(searchStart, searchEnd, size, memutils.Max(alignment, PoolGranularity))
	if err != nil {
		return 0, m.fail("Manager::MemoryPoolExpand", err)
	}

	err = m.pool.free.Add(phys, phys+size)
	if err != nil {
		panic(fmt.Sprintf("freshly allocated pool memory is already in the pool: %+v", err))
	}
	return phys, nil
}

// MemoryPoolReserve reserves address space for pool memory. The reservation is uncommitted until
// MemoryPoolCommit backs it.
func (m *Manager) MemoryPoolReserve(addr, size, alignment uint64, flags MapFlags) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MemoryPoolReserve", hexAttr("Address", addr), hexAttr("Size", size), hexAttr("Alignment", alignment), slog.String("Flags", flags.String()))

	start, err := m.poolReserve(addr, size, alignment, flags)
	if err != nil {
		return 0, m.fail("Manager::MemoryPoolReserve", err)
	}
	return start, nil
}

func (m *Manager) poolReserve(addr, size, alignment uint64, flags MapFlags) (uint64, error) {
	err := checkFlags(flags, poolAllowedFlags)
	if err != nil {
		return 0, err
	}
	err = checkPoolSize(size)
	if err != nil {
		return 0, err
	}
	err = checkPoolGranular(alignment, "alignment")
	if err != nil {
		return 0, err
	}
	flags, err = m.resolveFixed(addr, flags)
	if err != nil {
		return 0, err
	}
	if flags&MapFixed != 0 {
		err = checkPoolGranular(addr, "addr")
		if err != nil {
			return 0, err
		}
	}
	err = m.checkMapping(addr, size, alignment, flags)
	if err != nil {
		return 0, err
	}

	alignment = memutils.Max(alignment, PoolGranularity)
	start, overwrite, err := m.place(addr, size, alignment, flags)
	if err != nil {
		return 0, err
	}

	err = m.install(start, start+size, overwrite, mapping{
		start: start,
		end:   start + size,
		attrs: regions.Attributes{
			Kind:     regions.KindPooled,
			Budget:   budget.KindNone,
			CallSite: m.nextCallSite(),
		},
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

func (m *Manager) checkPoolRange(addr, size uint64, flags MapFlags) error {
	err := checkFlags(flags, 0)
	if err != nil {
		return err
	}
	err = checkPoolGranular(addr, "addr")
	if err != nil {
		return err
	}
	err = checkPoolSize(size)
	if err != nil {
		return err
	}
	if addr+size < addr || !m.regions.Covered(addr, addr+size) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "range [%#x, %#x) is not reserved for the pool", addr, addr+size)
	}
	return nil
}

// MemoryPoolCommit backs pool reservations in [addr, addr+size) with free pool memory of the
// given type
func (m *Manager) MemoryPoolCommit(addr, size uint64, memType int32, prot Protection, flags MapFlags) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MemoryPoolCommit", hexAttr("Address", addr), hexAttr("Size", size), slog.Int("MemoryType", int(memType)), slog.String("Protection", prot.String()))

	err := m.poolCommit(addr, size, memType, prot, flags)
	if err != nil {
		return m.fail("Manager::MemoryPoolCommit", err)
	}
	return nil
}

func (m *Manager) poolCommit(addr, size uint64, memType int32, prot Protection, flags MapFlags) error {
	err := m.checkPoolRange(addr, size, flags)
	if err != nil {
		return err
	}
	if memType < 0 || memType > dmem.MaxMemoryType {
		return errors.Wrapf(memutils.ErrInvalidArgument, "memory type %d is outside [0, %d]", memType, dmem.MaxMemoryType)
	}
	err = checkProtection(prot)
	if err != nil {
		return err
	}
	prot = prot.Normalize()
	if memType == dmem.ReadOnlyMemoryType && prot&regions.ProtWriteMask != 0 {
		return errors.Wrapf(memutils.ErrAccessDenied, "memory type %d cannot be committed with %s", memType, prot)
	}

	err = m.regions.Visit(addr, addr+size, func(region regions.Region) error {
		if region.Kind != regions.KindPooled || region.Committed {
			return errors.Wrapf(memutils.ErrInvalidArgument, "[%#x, %#x) is not an uncommitted pool reservation", region.Start, region.End)
		}
		return nil
	})
	if err != nil {
		return err
	}

	taken, err := m.pool.free.Take(size)
	if err != nil {
		return errors.WithSecondaryError(errors.Wrapf(ErrPoolExhausted, "committing %#x bytes", size), err)
	}

	maxProt := directMaxProtection(memType, false)
	callSite := m.nextCallSite()
	pieces := make([]mapping, 0, len(taken))
	virt := addr
	for _, span := range taken {
		pieces = append(pieces, mapping{
			start: virt,
			end:   virt + span.Size(),
			attrs: regions.Attributes{
				Kind:          regions.KindPooled,
				Protection:    prot & maxProt,
				MaxProtection: maxProt,
				MemoryType:    memType,
				Offset:        span.Start,
				Committed:     true,
				Budget:        budget.KindNone,
				CallSite:      callSite,
			},
		})
		virt += span.Size()
	}

	err = m.install(addr, addr+size, regions.AllowOverwrite, pieces...)
	if err != nil {
		for _, span := range taken {
			_ = m.pool.free.Add(span.Start, span.End)
		}
		return err
	}

	for index, span := range taken {
		err = m.dmem.Retype(span.Start, span.End, memType)
		if err != nil {
			panic(fmt.Sprintf("pool memory [%#x, %#x) is not allocated: %+v", span.Start, span.End, err))
		}
		m.dmem.Reference(span.Start, span.End)
		m.pool.record(span.Start, span.End, pieces[index].start)
	}

	return nil
}

// MemoryPoolDecommit returns the pool memory backing [addr, addr+size) to the pool, leaving the
// range reserved for the pool. The contents of the decommitted memory are lost.
func (m *Manager) MemoryPoolDecommit(addr, size uint64, flags MapFlags) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MemoryPoolDecommit", hexAttr("Address", addr), hexAttr("Size", size))

	err := m.checkPoolRange(addr, size, flags)
	if err != nil {
		return m.fail("Manager::MemoryPoolDecommit", err)
	}

	var committed []regions.Region
	err = m.regions.Visit(addr, addr+size, func(region regions.Region) error {
		if region.Kind != regions.KindPooled {
			return errors.Wrapf(memutils.ErrInvalidArgument, "[%#x, %#x) is %s memory, not pool memory", region.Start, region.End, region.Kind)
		}
		if region.Committed {
			committed = append(committed, region)
		}
		return nil
	})
	if err != nil {
		return m.fail("Manager::MemoryPoolDecommit", err)
	}

	err = m.install(addr, addr+size, regions.AllowOverwrite, mapping{
		start: addr,
		end:   addr + size,
		attrs: regions.Attributes{
			Kind:     regions.KindPooled,
			Budget:   budget.KindNone,
			CallSite: m.nextCallSite(),
		},
	})
	if err != nil {
		return m.fail("Manager::MemoryPoolDecommit", err)
	}

	for _, region := range committed {
		m.physicalContents.Drop(region.Offset, region.Offset+region.Size())
	}
	return nil
}

// MemoryPoolGetBlockStats counts the free and committed blocks of the memory pool
func (m *Manager) MemoryPoolGetBlockStats() PoolBlockStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::MemoryPoolGetBlockStats")

	return PoolBlockStats{
		AvailableBlocks: int(m.pool.free.Size() / PoolGranularity),
		AllocatedBlocks: int(uint64(m.pool.committed.Count()) * m.pageSize / PoolGranularity),
	}
}
