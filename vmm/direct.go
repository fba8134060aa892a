package vmm

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/dmem"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// unchangedMemoryType asks MapDirect2 to keep the memory type of the physical range
const unchangedMemoryType int32 = -1

type directRequest struct {
	addr      uint64
	size      uint64
	prot      Protection
	flags     MapFlags
	phys      uint64
	alignment uint64
	memType   int32
	checkBusy bool
	name      string
	// writableGarlic lets the GPU write read-only memory types
	writableGarlic bool
}

// directMaxProtection is the widest protection a mapping of the given memory type can take
func directMaxProtection(memType int32, writableGarlic bool) Protection {
	if memType == dmem.ReadOnlyMemoryType {
		if writableGarlic {
			return ProtCPURead | ProtGPUReadWrite
		}
		return ProtCPURead | ProtGPURead
	}
	return ProtAll &^ ProtCPUExec
}

// MapDirect maps size bytes of allocated direct memory starting at phys. Execute protection is
// rejected; it can only be added later through Protect.
//
// On platforms that redirect it, MapDirect fails with ErrBusy when the physical range is already
// mapped and aliasing is disabled, unless MapDmemCompat is passed.
func (m *Manager) MapDirect(addr, size uint64, prot Protection, flags MapFlags, phys, alignment uint64) (uint64, error) {
	return m.MapNamedDirect(addr, size, prot, flags, phys, alignment, "")
}

// MapNamedDirect is MapDirect with a name for the new region
func (m *Manager) MapNamedDirect(addr, size uint64, prot Protection, flags MapFlags, phys, alignment uint64, name string) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MapNamedDirect", hexAttr("Address", addr), hexAttr("Size", size), slog.String("Protection", prot.String()), slog.String("Flags", flags.String()), hexAttr("PhysicalAddress", phys))

	addr, err := m.mapDirect(directRequest{
		addr:      addr,
		size:      size,
		prot:      prot,
		flags:     flags,
		phys:      phys,
		alignment: alignment,
		memType:   unchangedMemoryType,
		checkBusy: m.caps.DirectRedirect && flags&MapDmemCompat == 0,
		name:      name,
	})
	if err != nil {
		return 0, m.fail("Manager::MapNamedDirect", err)
	}
	return addr, nil
}

// MapDirect2 maps allocated direct memory like MapDirect, always failing with ErrBusy when the
// physical range is already mapped and aliasing is disabled. A memType other than -1 retypes the
// physical range before it is mapped.
func (m *Manager) MapDirect2(addr, size uint64, memType int32, prot Protection, flags MapFlags, phys, alignment uint64) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MapDirect2", hexAttr("Address", addr), hexAttr("Size", size), slog.Int("MemoryType", int(memType)), slog.String("Protection", prot.String()), slog.String("Flags", flags.String()), hexAttr("PhysicalAddress", phys))

	if memType < unchangedMemoryType || memType > dmem.MaxMemoryType {
		return 0, m.fail("Manager::MapDirect2", errors.Wrapf(memutils.ErrInvalidArgument, "memory type %d is outside [-1, %d]", memType, dmem.MaxMemoryType))
	}

	addr, err := m.mapDirect(directRequest{
		addr:      addr,
		size:      size,
		prot:      prot,
		flags:     flags,
		phys:      phys,
		alignment: alignment,
		memType:   memType,
		checkBusy: true,
	})
	if err != nil {
		return 0, m.fail("Manager::MapDirect2", err)
	}
	return addr, nil
}

func (m *Manager) mapDirect(request directRequest) (uint64, error) {
	err := checkFlags(request.flags, directAllowedFlags)
	if err != nil {
		return 0, err
	}
	if request.flags&MapSanitizer != 0 && !m.caps.SanitizerAllowed {
		return 0, errors.Wrap(memutils.ErrInvalidArgument, "the sanitizer flag is only accepted on development consoles")
	}
	err = checkProtection(request.prot)
	if err != nil {
		return 0, err
	}
	if request.prot&ProtCPUExec != 0 {
		return 0, errors.Wrap(memutils.ErrInvalidArgument, "direct memory cannot be mapped executable")
	}
	err = checkName(request.name)
	if err != nil {
		return 0, err
	}

	flags, err := m.resolveFixed(request.addr, request.flags)
	if err != nil {
		return 0, err
	}
	err = m.checkMapping(request.addr, request.size, request.alignment, flags)
	if err != nil {
		return 0, err
	}
	err = memutils.CheckAligned(request.phys, m.pageSize, "phys")
	if err != nil {
		return 0, err
	}

	physStart := request.phys
	physEnd := physStart + request.size
	if physEnd < physStart {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "physical range at %#x of %#x bytes wraps", physStart, request.size)
	}
	err = m.dmem.CheckMappable(physStart, physEnd, false)
	if err != nil {
		return 0, err
	}

	var extents []dmem.Extent
	_ = m.dmem.Visit(physStart, physEnd, func(extent dmem.Extent) error {
		if request.memType != unchangedMemoryType {
			extent.Type = request.memType
		}
		extents = append(extents, extent)
		return nil
	})

	prot := request.prot.Normalize()
	for _, extent := range extents {
		if prot&regions.ProtWriteMask&^directMaxProtection(extent.Type, request.writableGarlic) != 0 {
			return 0, errors.Wrapf(memutils.ErrAccessDenied, "memory type %d cannot be mapped with %s", extent.Type, prot)
		}
	}

	if request.checkBusy && !m.aliasing && m.dmem.Referenced(physStart, physEnd) {
		return 0, errors.Wrapf(memutils.ErrBusy, "physical range [%#x, %#x) is already mapped", physStart, physEnd)
	}

	start, overwrite, err := m.place(request.addr, request.size, request.alignment, flags)
	if err != nil {
		return 0, err
	}

	callSite := m.nextCallSite()
	pieces := make([]mapping, 0, len(extents))
	for _, extent := range extents {
		maxProt := directMaxProtection(extent.Type, request.writableGarlic)
		pieceStart := start + (extent.Start - physStart)
		pieces = append(pieces, mapping{
			start: pieceStart,
			end:   pieceStart + extent.Size(),
			attrs: regions.Attributes{
				Kind:          regions.KindDirect,
				Protection:    prot & maxProt,
				MaxProtection: maxProt,
				MemoryType:    extent.Type,
				Offset:        extent.Start,
				Committed:     true,
				NoCoalesce:    flags&MapNoCoalesce != 0,
				Name:          request.name,
				Budget:        budget.KindNone,
				CallSite:      callSite,
			},
		})
	}

	err = m.install(start, start+request.size, overwrite, pieces...)
	if err != nil {
		return 0, err
	}

	if request.memType != unchangedMemoryType {
		err = m.dmem.Retype(physStart, physEnd, request.memType)
		if err != nil {
			panic(fmt.Sprintf("checked physical range [%#x, %#x) could not be retyped: %+v", physStart, physEnd, err))
		}
	}
	m.dmem.Reference(physStart, physEnd)

	return start, nil
}
