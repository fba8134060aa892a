package vmm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/dmem"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// accessible reports whether a region has a protection that can be queried and changed
func accessible(region *regions.Region) bool {
	if region.Kind == regions.KindReserved {
		return false
	}
	return region.Committed || region.Kind == regions.KindDevice
}

func (m *Manager) alignRange(addr, size uint64) (uint64, uint64, error) {
	start := memutils.AlignDown(addr, m.pageSize)
	end := memutils.AlignUp(addr+size, m.pageSize)
	if addr+size < addr || end < start {
		return 0, 0, errors.Wrapf(memutils.ErrInvalidArgument, "range at %#x of %#x bytes wraps", addr, size)
	}
	return start, end, nil
}

// Protect changes the protection of every mapping inside [addr, addr+size). Bits outside the
// valid protection mask are dropped, and each region keeps at most its maximum protection, so
// execute never reaches direct memory. Reservations and unmapped addresses are skipped.
func (m *Manager) Protect(addr, size uint64, prot Protection) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::Protect", hexAttr("Address", addr), hexAttr("Size", size), slog.String("Protection", prot.String()))

	start, end, err := m.alignRange(addr, size)
	if err != nil {
		return m.fail("Manager::Protect", err)
	}
	prot = prot.Normalize()

	err = m.regions.Visit(start, end, func(region regions.Region) error {
		if region.Kind.IsPhysical() && region.MemoryType == dmem.ReadOnlyMemoryType && prot&regions.ProtWriteMask&^region.MaxProtection != 0 {
			return errors.Wrapf(memutils.ErrAccessDenied, "region [%#x, %#x) of memory type %d cannot be made writable", region.Start, region.End, region.MemoryType)
		}
		return nil
	})
	if err != nil {
		return m.fail("Manager::Protect", err)
	}

	m.regions.Update(start, end, func(attrs *regions.Attributes) {
		if attrs.Kind == regions.KindReserved || (!attrs.Committed && attrs.Kind != regions.KindDevice) {
			return
		}
		attrs.Protection = prot & attrs.MaxProtection
	}, true)

	return nil
}

// Retype changes the memory type of the direct memory behind [addr, addr+size) and sets the
// protection of its mappings. The range must be entirely mapped direct memory.
func (m *Manager) Retype(addr, size uint64, memType int32, prot Protection) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::Retype", hexAttr("Address", addr), hexAttr("Size", size), slog.Int("MemoryType", int(memType)), slog.String("Protection", prot.String()))

	if memType < 0 || memType > dmem.MaxMemoryType {
		return m.fail("Manager::Retype", errors.Wrapf(memutils.ErrInvalidArgument, "memory type %d is outside [0, %d]", memType, dmem.MaxMemoryType))
	}
	prot = prot.Normalize()
	if memType == dmem.ReadOnlyMemoryType && prot&(regions.ProtWriteMask|ProtCPUExec) != 0 {
		return m.fail("Manager::Retype", errors.Wrapf(memutils.ErrAccessDenied, "memory type %d cannot be given %s", memType, prot))
	}

	start, end, err := m.alignRange(addr, size)
	if err != nil {
		return m.fail("Manager::Retype", err)
	}
	if !m.regions.Covered(start, end) {
		return m.fail("Manager::Retype", errors.Wrapf(memutils.ErrAccessDenied, "range [%#x, %#x) is not fully mapped", start, end))
	}

	var pieces []regions.Region
	err = m.regions.Visit(start, end, func(region regions.Region) error {
		if region.Kind != regions.KindDirect {
			return errors.Wrapf(memutils.ErrNotSupported, "region [%#x, %#x) is %s memory", region.Start, region.End, region.Kind)
		}
		pieces = append(pieces, region)
		return nil
	})
	if err != nil {
		return m.fail("Manager::Retype", err)
	}

	for _, piece := range pieces {
		physStart := piece.Offset
		physEnd := physStart + piece.Size()
		err = m.dmem.Retype(physStart, physEnd, memType)
		if err != nil {
			return m.fail("Manager::Retype", errors.Mark(err, memutils.ErrAccessDenied))
		}
	}

	maxProt := directMaxProtection(memType, false)
	m.regions.Update(start, end, func(attrs *regions.Attributes) {
		attrs.MemoryType = memType
		attrs.MaxProtection = maxProt
		attrs.Protection = prot & maxProt
	}, true)

	return nil
}
