package vmm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/dmem"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// VirtualQueryInfo describes the region found by VirtualQuery
type VirtualQueryInfo struct {
	Start uint64
	End   uint64
	// Offset is the physical address of the start of a direct or pooled region, zero otherwise
	Offset     uint64
	Protection Protection
	MemoryType int32

	IsFlexible  bool
	IsDirect    bool
	IsStack     bool
	IsPooled    bool
	IsCommitted bool

	Name string
}

func newVirtualQueryInfo(region *regions.Region) VirtualQueryInfo {
	info := VirtualQueryInfo{
		Start:       region.Start,
		End:         region.End,
		Protection:  region.Protection,
		MemoryType:  region.MemoryType,
		IsFlexible:  region.Kind == regions.KindFlexible || region.Kind == regions.KindFile,
		IsDirect:    region.Kind == regions.KindDirect,
		IsStack:     region.Stack,
		IsPooled:    region.Kind == regions.KindPooled,
		IsCommitted: region.Committed,
		Name:        region.Name,
	}
	if region.Kind.IsPhysical() {
		info.Offset = region.Offset
	}
	return info
}

// VirtualQuery describes the region containing addr. With QueryFindNext, the first region above
// addr is described when none contains it, so that a caller can walk the whole map by querying
// the end of each region in turn.
func (m *Manager) VirtualQuery(addr uint64, flags QueryFlags) (VirtualQueryInfo, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::VirtualQuery", hexAttr("Address", addr), slog.String("Flags", flags.String()))

	var region regions.Region
	var err error
	if flags&QueryFindNext != 0 {
		region, err = m.regions.QueryNext(addr)
	} else {
		region, err = m.regions.Query(addr)
	}
	if err != nil {
		return VirtualQueryInfo{}, m.fail("Manager::VirtualQuery", err)
	}

	return newVirtualQueryInfo(&region), nil
}

// QueryMemoryProtection returns the bounds and protection of the mapping containing addr.
// Reservations and uncommitted pool memory have no protection to report.
func (m *Manager) QueryMemoryProtection(addr uint64) (uint64, uint64, Protection, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::QueryMemoryProtection", hexAttr("Address", addr))

	region, err := m.regions.Query(addr)
	if err != nil {
		return 0, 0, ProtNone, m.fail("Manager::QueryMemoryProtection", err)
	}
	if !accessible(&region) {
		return 0, 0, ProtNone, m.fail("Manager::QueryMemoryProtection", errors.Wrapf(memutils.ErrAccessDenied, "%s region [%#x, %#x) is not committed", region.Kind, region.Start, region.End))
	}

	return region.Start, region.End, region.Protection, nil
}

// DirectMemoryInfo describes an allocated direct memory extent
type DirectMemoryInfo struct {
	Start      uint64
	End        uint64
	MemoryType int32
	Pooled     bool
}

// GetDirectMemoryType returns the memory type and bounds of the allocated extent containing phys
func (m *Manager) GetDirectMemoryType(phys uint64) (int32, uint64, uint64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::GetDirectMemoryType", hexAttr("PhysicalAddress", phys))

	extent, err := m.dmem.Query(phys)
	if err != nil {
		return 0, 0, 0, m.fail("Manager::GetDirectMemoryType", err)
	}
	return extent.Type, extent.Start, extent.End, nil
}

// DirectMemoryQuery describes the allocated extent containing phys or, with QueryFindNext, the
// first extent above it
func (m *Manager) DirectMemoryQuery(phys uint64, flags QueryFlags) (DirectMemoryInfo, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::DirectMemoryQuery", hexAttr("PhysicalAddress", phys), slog.String("Flags", flags.String()))

	var extent dmem.Extent
	var err error
	if flags&QueryFindNext != 0 {
		extent, err = m.dmem.QueryNext(phys)
	} else {
		extent, err = m.dmem.Query(phys)
	}
	if err != nil {
		return DirectMemoryInfo{}, m.fail("Manager::DirectMemoryQuery", err)
	}

	return DirectMemoryInfo{
		Start:      extent.Start,
		End:        extent.End,
		MemoryType: extent.Type,
		Pooled:     extent.Pooled,
	}, nil
}
