package vmm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/files"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// noDescriptor is the descriptor of an anonymous mapping
const noDescriptor int32 = -1

// GenericMmap is the general mapping call. Depending on flags and fd it reserves address space
// (MapVoid), maps anonymous memory (MapAnon, MapStack) or maps a file or device. Mapping a direct
// memory device maps the direct memory at physical address offset, and MapWritableWbGarlic lets
// the GPU write read-only memory types through it.
//
// size is rounded up to the page size. For file mappings the returned address carries the same
// page remainder as offset.
func (m *Manager) GenericMmap(addr, size uint64, prot Protection, flags MapFlags, fd int32, offset int64) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::GenericMmap", hexAttr("Address", addr), hexAttr("Size", size), slog.String("Protection", prot.String()), slog.String("Flags", flags.String()), slog.Int("Descriptor", int(fd)), slog.Int64("Offset", offset))

	addr, err := m.genericMmap(addr, size, prot, flags, fd, offset)
	if err != nil {
		return 0, m.fail("Manager::GenericMmap", err)
	}
	return addr, nil
}

func (m *Manager) genericMmap(addr, size uint64, prot Protection, flags MapFlags, fd int32, offset int64) (uint64, error) {
	err := checkProtection(prot)
	if err != nil {
		return 0, err
	}
	if flags&MapSanitizer != 0 && !m.caps.SanitizerAllowed {
		return 0, errors.Wrap(memutils.ErrInvalidArgument, "the sanitizer flag is only accepted on development consoles")
	}
	if size == 0 {
		return 0, errors.Wrap(memutils.ErrInvalidArgument, "size is zero")
	}
	if offset < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "offset %#x is negative", offset)
	}

	if flags&MapStack != 0 {
		if prot&ProtCPUReadWrite != ProtCPUReadWrite {
			return 0, errors.Wrapf(memutils.ErrInvalidArgument, "stack protection %s must allow reading and writing", prot)
		}
		if fd != noDescriptor {
			return 0, errors.Wrapf(memutils.ErrInvalidArgument, "stack mapped from descriptor %d", fd)
		}
		flags |= MapFixed | MapNoOverwrite | MapAnon
	}
	if flags&MapVoid != 0 {
		if fd != noDescriptor {
			return 0, errors.Wrapf(memutils.ErrInvalidArgument, "void mapping from descriptor %d", fd)
		}
		flags |= MapAnon
	}
	if flags&MapAnon != 0 {
		if fd != noDescriptor {
			return 0, errors.Wrapf(memutils.ErrInvalidArgument, "anonymous mapping from descriptor %d", fd)
		}
		if offset != 0 {
			return 0, errors.Wrapf(memutils.ErrInvalidArgument, "anonymous mapping at offset %#x", offset)
		}
	}

	remainder := uint64(offset) % m.pageSize
	if flags&MapFixed != 0 && addr%m.pageSize != remainder {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "address %#x and offset %#x have different page offsets", addr, offset)
	}
	length := memutils.AlignUp(size+remainder, m.pageSize)
	if length < size {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "size %#x wraps", size)
	}
	if flags&MapFixed != 0 {
		addr = memutils.AlignDown(addr, m.pageSize)
	}

	flags, err = m.resolveFixed(addr, flags)
	if err != nil {
		return 0, err
	}

	if flags&MapAnon == 0 {
		start, err := m.mapFile(addr, length, prot, flags, fd, uint64(offset)-remainder)
		if err != nil {
			return 0, err
		}
		return start + remainder, nil
	}

	start, overwrite, err := m.place(addr, length, 0, flags)
	if err != nil {
		return 0, err
	}

	attrs := regions.Attributes{
		Kind:          regions.KindFlexible,
		Protection:    prot.Normalize(),
		MaxProtection: ProtAll,
		Committed:     true,
		Stack:         flags&MapStack != 0,
		NoCoalesce:    flags&MapNoCoalesce != 0,
		Budget:        budget.KindFlexible,
		CallSite:      m.nextCallSite(),
	}
	if flags&MapSystem != 0 {
		attrs.Budget = budget.KindSystem
	}
	if flags&MapVoid != 0 {
		attrs = regions.Attributes{
			Kind:       regions.KindReserved,
			Shared:     flags&MapShared != 0,
			NoCoalesce: attrs.NoCoalesce,
			CallSite:   attrs.CallSite,
		}
	}

	err = m.install(start, start+length, overwrite, mapping{start: start, end: start + length, attrs: attrs})
	if err != nil {
		return 0, err
	}
	return start, nil
}

// mapFile maps length bytes of the file behind fd starting at the page-aligned fileOffset
func (m *Manager) mapFile(addr, length uint64, prot Protection, flags MapFlags, fd int32, fileOffset uint64) (uint64, error) {
	if m.files == nil {
		return 0, errors.Wrapf(files.ErrNotOpen, "descriptor %d", fd)
	}
	file, err := m.files.Lookup(fd)
	if err != nil {
		return 0, err
	}
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if info.Kind == files.KindDirectMemory {
		return m.mapDirectMemoryDevice(addr, length, prot, flags, fileOffset)
	}

	attrs := regions.Attributes{
		Protection:    prot.Normalize(),
		MaxProtection: ProtAll,
		Offset:        fileOffset,
		Shared:        flags&MapShared != 0,
		NoCoalesce:    flags&MapNoCoalesce != 0,
		Backing:       file,
	}

	var contents []byte
	switch info.Kind {
	case files.KindDirectory:
		return 0, errors.Wrapf(files.ErrIsDirectory, "%s", info.Path)
	case files.KindDevice:
		if flags&MapPrivate != 0 {
			return 0, errors.Wrapf(memutils.ErrInvalidArgument, "device %s cannot be mapped private", info.Path)
		}
		attrs.Kind = regions.KindDevice
		attrs.Shared = true
	default:
		if fileOffset+length > memutils.AlignUp(info.Size, m.pageSize) {
			return 0, errors.Wrapf(memutils.ErrAccessDenied, "range [%#x, %#x) of %s is past its size %#x", fileOffset, fileOffset+length, info.Path, info.Size)
		}
		if attrs.Shared && !info.Writable && prot&ProtCPUWrite != 0 {
			return 0, errors.Wrapf(files.ErrReadOnly, "shared writable mapping of %s", info.Path)
		}

		attrs.Kind = regions.KindFile
		attrs.Committed = true
		if info.Category == files.CategoryApp {
			attrs.Budget = budget.KindFlexible
		}

		if !attrs.Shared {
			contents, err = readContents(file, fileOffset, memutils.Min(length, info.Size-memutils.Min(fileOffset, info.Size)))
			if err != nil {
				return 0, err
			}
		}
	}

	start, overwrite, err := m.place(addr, length, 0, flags)
	if err != nil {
		return 0, err
	}

	attrs.CallSite = m.nextCallSite()
	err = m.install(start, start+length, overwrite, mapping{start: start, end: start + length, attrs: attrs})
	if err != nil {
		return 0, err
	}

	if len(contents) > 0 {
		m.virtualContents.WriteAt(contents, start)
	}
	return start, nil
}

// mapDirectMemoryDevice maps the allocated direct memory at phys through a direct memory device.
// The mapping is a direct mapping; releasing the physical memory unmaps it.
func (m *Manager) mapDirectMemoryDevice(addr, length uint64, prot Protection, flags MapFlags, phys uint64) (uint64, error) {
	if flags&MapPrivate != 0 {
		return 0, errors.Wrap(memutils.ErrInvalidArgument, "direct memory cannot be mapped private")
	}

	return m.mapDirect(directRequest{
		addr:           addr,
		size:           length,
		prot:           prot,
		flags:          flags & directAllowedFlags &^ MapDmemCompat,
		phys:           phys,
		memType:        unchangedMemoryType,
		writableGarlic: flags&MapWritableWbGarlic != 0,
	})
}

func readContents(file files.File, offset, size uint64) ([]byte, error) {
	contents := make([]byte, size)
	read, err := file.ReadAt(contents, int64(offset))
	if err != nil {
		return nil, err
	}
	return contents[:read], nil
}
