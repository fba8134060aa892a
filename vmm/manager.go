package vmm

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/dmem"
	"github.com/vkngwrapper/orbismem/files"
	"github.com/vkngwrapper/orbismem/internal/utils"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/memutils/pages"
	"github.com/vkngwrapper/orbismem/platform"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// Manager is the virtual memory manager of one process. It owns the virtual address map, the
// direct memory allocator and the memory budgets, and guards all of them with a single lock so
// that no operation can observe a virtual mapping of freed physical memory.
type Manager struct {
	logger   *slog.Logger
	mutex    utils.OptionalRWMutex
	platform *platform.Platform
	caps     platform.Capabilities

	pageSize         uint64
	searchBase       uint64
	systemSearchBase uint64

	regions *regions.Map
	dmem    *dmem.Allocator
	budgets *budget.Tracker
	files   files.Table

	// virtualContents holds the bytes of flexible, device and private file mappings by virtual
	// address. physicalContents holds direct memory by physical address.
	virtualContents  *pages.Store
	physicalContents *pages.Store

	pool     memoryPool
	aliasing bool
	callSite uint64
}

func hexAttr(key string, value uint64) slog.Attr {
	return slog.String(key, hex(value))
}

func (m *Manager) fail(operation string, err error) error {
	m.logger.Debug("  "+operation+" FAILED", slog.Any("error", err), slog.String("errno", memutils.Errno(err)))
	return err
}

// Platform returns the platform the manager emulates
func (m *Manager) Platform() *platform.Platform {
	return m.platform
}

// PageSize returns the size of a virtual memory page
func (m *Manager) PageSize() uint64 {
	return m.pageSize
}

func (m *Manager) nextCallSite() uint64 {
	m.callSite++
	return m.callSite
}

// budgetError reports an exhausted budget with the error kind of the emulated platform
func (m *Manager) budgetError(err error) error {
	if m.caps.BudgetErrOutOfMemory {
		return errors.Mark(err, memutils.ErrOutOfMemory)
	}
	return errors.Mark(err, memutils.ErrInvalidArgument)
}

func (m *Manager) checkAlignment(alignment uint64) error {
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return err
	}
	err = memutils.CheckAligned(alignment, m.pageSize, "alignment")
	if err != nil {
		return err
	}
	if alignment >= maxAlignment {
		return errors.Wrapf(memutils.ErrInvalidArgument, "alignment %#x is too large", alignment)
	}
	return nil
}

// checkMapping validates the size, alignment and fixed address shared by every mapping call
func (m *Manager) checkMapping(addr, size, alignment uint64, flags MapFlags) error {
	if size == 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "size is zero")
	}
	err := memutils.CheckAligned(size, m.pageSize, "size")
	if err != nil {
		return err
	}
	err = m.checkAlignment(alignment)
	if err != nil {
		return err
	}
	if flags&MapFixed != 0 {
		return memutils.CheckAligned(addr, m.pageSize, "addr")
	}
	return nil
}

func checkName(name string) error {
	if len(name) > maxNameLength {
		return errors.Wrapf(memutils.ErrInvalidArgument, "name %q is longer than %d bytes", name, maxNameLength)
	}
	return nil
}

func checkFlags(flags, allowed MapFlags) error {
	if flags&^allowed != 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "flags %s are not allowed here", flags&^allowed)
	}
	return nil
}

func checkProtection(prot Protection) error {
	if !prot.Valid() {
		return errors.Wrapf(memutils.ErrInvalidArgument, "protection %#x has undefined bits", uint32(prot))
	}
	return nil
}

// resolveFixed applies the platform's treatment of a fixed mapping at address zero
func (m *Manager) resolveFixed(addr uint64, flags MapFlags) (MapFlags, error) {
	if flags&MapFixed == 0 || addr != 0 {
		return flags, nil
	}
	if m.caps.FixedNullDropsFixed {
		return flags &^ MapFixed, nil
	}
	return flags, errors.Wrap(memutils.ErrInvalidArgument, "fixed mapping at address zero")
}

// place picks the address of a new mapping. Fixed mappings go exactly where requested; everything
// else takes the lowest free range above the search base or the hint, whichever is higher.
//
// Only the start of a stack has to be at or below the address ceiling. Other fixed mappings must
// end at or below it, and searches never return a range crossing it.
func (m *Manager) place(addr, size, alignment uint64, flags MapFlags) (uint64, regions.OverwritePolicy, error) {
	ceiling := m.caps.AddressCeiling
	if flags&MapFixed != 0 {
		if flags&MapStack != 0 && addr > ceiling {
			return 0, 0, errors.Wrapf(memutils.ErrOutOfMemory, "stack at %#x is above the address ceiling %#x", addr, ceiling)
		}
		if flags&MapStack == 0 && (addr+size < addr || addr+size > ceiling) {
			return 0, 0, errors.Wrapf(memutils.ErrInvalidArgument, "range [%#x, %#x) ends past the address ceiling %#x", addr, addr+size, ceiling)
		}
		if flags&MapNoOverwrite != 0 {
			return addr, regions.NoOverwrite, nil
		}
		return addr, regions.AllowOverwrite, nil
	}

	base := m.searchBase
	if flags&MapSystem != 0 {
		base = m.systemSearchBase
	}
	if addr != 0 {
		base = memutils.Max(base, memutils.AlignUp(addr, m.pageSize))
	}

	found, err := m.regions.FindFree(base, size, alignment)
	if err != nil {
		return 0, regions.NoOverwrite, err
	}
	if found+size > ceiling {
		return 0, regions.NoOverwrite, errors.Wrapf(regions.ErrNoFreeRange, "no gap of %#x bytes above %#x below the address ceiling %#x", size, base, ceiling)
	}
	return found, regions.NoOverwrite, nil
}

type mapping struct {
	start uint64
	end   uint64
	attrs regions.Attributes
}

// install charges the budget of the new mapping and inserts its pieces over [start, end), releasing
// whatever they replace. Nothing is modified if any check fails.
func (m *Manager) install(start, end uint64, overwrite regions.OverwritePolicy, pieces ...mapping) error {
	if end <= start {
		return errors.Wrapf(memutils.ErrInvalidArgument, "range [%#x, %#x) is empty or wraps", start, end)
	}
	if end > m.regions.Limit() {
		return errors.Wrapf(regions.ErrOutOfRange, "range [%#x, %#x) ends past %#x", start, end, m.regions.Limit())
	}
	if overwrite == regions.NoOverwrite && m.regions.Overlaps(start, end) {
		return errors.Wrapf(regions.ErrAlreadyMapped, "range [%#x, %#x)", start, end)
	}

	kind := pieces[0].attrs.Budget
	var reclaim uint64
	_ = m.regions.Visit(start, end, func(region regions.Region) error {
		if region.Budget == kind {
			reclaim += region.Size()
		}
		return nil
	})

	err := m.budgets.Charge(kind, end-start, reclaim)
	if err != nil {
		return m.budgetError(err)
	}

	for _, piece := range pieces {
		removed, err := m.regions.Insert(piece.start, piece.end, piece.attrs, regions.AllowOverwrite)
		if err != nil {
			panic(fmt.Sprintf("validated mapping [%#x, %#x) could not be inserted: %+v", piece.start, piece.end, err))
		}
		m.releaseRegions(removed)
	}

	return nil
}

// releaseRegions returns everything that backed regions removed from the map
func (m *Manager) releaseRegions(removed []regions.Region) {
	for _, region := range removed {
		m.budgets.Release(region.Budget, region.Size())

		switch region.Kind {
		case regions.KindFlexible, regions.KindDevice:
			m.virtualContents.Drop(region.Start, region.End)
		case regions.KindFile:
			if !region.Shared {
				m.virtualContents.Drop(region.Start, region.End)
			}
		case regions.KindDirect:
			m.dmem.Unreference(region.Offset, region.Offset+region.Size())
		case regions.KindPooled:
			if region.Committed {
				m.dmem.Unreference(region.Offset, region.Offset+region.Size())
				m.pool.giveBack(region.Offset, region.Offset+region.Size())
			}
		}
	}
}

// Validate checks the internal consistency of the manager
func (m *Manager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	err := m.regions.Validate()
	if err != nil {
		return errors.Wrap(err, "virtual address map")
	}
	err = m.dmem.Validate()
	if err != nil {
		return errors.Wrap(err, "direct memory")
	}
	err = m.pool.free.Validate()
	if err != nil {
		return errors.Wrap(err, "memory pool")
	}
	err = m.pool.validate(m.regions)
	if err != nil {
		return errors.Wrap(err, "memory pool")
	}

	for _, region := range m.regions.Regions() {
		if !region.Kind.IsPhysical() || !region.Committed {
			continue
		}
		if !m.dmem.Covered(region.Offset, region.Offset+region.Size()) {
			return errors.Errorf("region [%#x, %#x) maps unallocated physical memory at %#x", region.Start, region.End, region.Offset)
		}
		if !m.dmem.Referenced(region.Offset, region.Offset+region.Size()) {
			return errors.Errorf("region [%#x, %#x) does not hold a reference to its physical memory", region.Start, region.End)
		}
	}

	return nil
}
