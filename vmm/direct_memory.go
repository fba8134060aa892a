package vmm

import (
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// AllocateDirectMemory allocates size bytes of direct memory of the given type from the lowest
// gap inside [searchStart, searchEnd). The window is clipped to the direct memory size. A window
// that cannot hold the request fails with memutils.ErrTryAgain, an out of memory error.
func (m *Manager) AllocateDirectMemory(searchStart, searchEnd int64, size, alignment uint64, memType int32) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::AllocateDirectMemory", slog.Int64("SearchStart", searchStart), slog.Int64("SearchEnd", searchEnd), hexAttr("Size", size), hexAttr("Alignment", alignment), slog.Int("MemoryType", int(memType)))

	phys, err := m.dmem.Allocate(searchStart, searchEnd, size, alignment, memType)
	if err != nil {
		return 0, m.fail("Manager::AllocateDirectMemory", err)
	}
	return phys, nil
}

// AllocateMainDirectMemory allocates direct memory anywhere in physical memory
func (m *Manager) AllocateMainDirectMemory(size, alignment uint64, memType int32) (uint64, error) {
	return m.AllocateDirectMemory(0, int64(m.dmem.Size()), size, alignment, memType)
}

// ReleaseDirectMemory frees whatever is allocated in [phys, phys+size). Every mapping of the freed
// memory is unmapped and its contents are lost.
func (m *Manager) ReleaseDirectMemory(phys, size uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::ReleaseDirectMemory", hexAttr("PhysicalAddress", phys), hexAttr("Size", size))

	err := m.releaseDirect(phys, size, false)
	if err != nil {
		return m.fail("Manager::ReleaseDirectMemory", err)
	}
	return nil
}

// CheckedReleaseDirectMemory is ReleaseDirectMemory that fails with dmem.ErrNotAllocated, freeing
// nothing, unless the whole range is allocated
func (m *Manager) CheckedReleaseDirectMemory(phys, size uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::CheckedReleaseDirectMemory", hexAttr("PhysicalAddress", phys), hexAttr("Size", size))

	err := m.releaseDirect(phys, size, true)
	if err != nil {
		return m.fail("Manager::CheckedReleaseDirectMemory", err)
	}
	return nil
}

func (m *Manager) releaseDirect(phys, size uint64, checked bool) error {
	freed, err := m.dmem.Release(phys, size, checked)
	if err != nil {
		return err
	}

	for _, extent := range freed {
		m.unmapPhysical(extent.Start, extent.End)
		m.physicalContents.Drop(extent.Start, extent.End)
		if extent.Pooled {
			m.pool.forget(extent.Start, extent.End)
		}
	}

	memutils.DebugValidate(m.regions)
	return nil
}

// unmapPhysical removes every virtual mapping of the physical range [physStart, physEnd)
func (m *Manager) unmapPhysical(physStart, physEnd uint64) {
	var doomed []regions.Region
	_ = m.regions.Visit(0, m.regions.Limit(), func(region regions.Region) error {
		if !region.Kind.IsPhysical() || !region.Committed {
			return nil
		}

		start := memutils.Max(region.Offset, physStart)
		end := memutils.Min(region.Offset+region.Size(), physEnd)
		if start < end {
			doomed = append(doomed, region.Clip(region.Start+(start-region.Offset), region.Start+(end-region.Offset)))
		}
		return nil
	})

	for _, region := range doomed {
		m.logger.Debug("    Manager::unmapPhysical", hexAttr("Start", region.Start), hexAttr("End", region.End))
		m.releaseRegions(m.regions.Remove(region.Start, region.End))
	}
}

// AvailableDirectMemorySize returns the largest free range of direct memory inside [start, end).
// start is aligned up to alignment; end is used as given.
func (m *Manager) AvailableDirectMemorySize(start, end, alignment uint64) (uint64, uint64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::AvailableDirectMemorySize", hexAttr("Start", start), hexAttr("End", end), hexAttr("Alignment", alignment))

	phys, size, err := m.dmem.Available(start, end, alignment)
	if err != nil {
		return 0, 0, m.fail("Manager::AvailableDirectMemorySize", err)
	}
	return phys, size, nil
}

// AvailableFlexibleMemorySize returns the unused part of the flexible memory budget
func (m *Manager) AvailableFlexibleMemorySize() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.budgets.Available(budget.KindFlexible)
}

// GetDirectMemorySize returns the amount of physical memory available to the process
func (m *Manager) GetDirectMemorySize() uint64 {
	return m.dmem.Size()
}

// EnableDmemAliasing allows one range of direct memory to be mapped more than once. It cannot be
// turned off again.
func (m *Manager) EnableDmemAliasing() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::EnableDmemAliasing")
	m.aliasing = true
}
