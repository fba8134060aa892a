package vmm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/files"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
)

// Read copies len(buf) bytes at addr into buf, as a CPU load would. Every byte must be mapped
// with CPU read protection.
func (m *Manager) Read(addr uint64, buf []byte) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	err := m.access(addr, buf, ProtCPURead, m.readRegion)
	if err != nil {
		return m.fail("Manager::Read", err)
	}
	return nil
}

// Write copies data to addr, as a CPU store would. Every byte must be mapped with CPU write
// protection.
func (m *Manager) Write(addr uint64, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.access(addr, data, ProtCPUWrite, m.writeRegion)
	if err != nil {
		return m.fail("Manager::Write", err)
	}
	return nil
}

func (m *Manager) access(addr uint64, buf []byte, required Protection, transfer func(region regions.Region, chunk []byte) error) error {
	if len(buf) == 0 {
		return nil
	}

	end := addr + uint64(len(buf))
	if end < addr {
		return errors.Wrapf(memutils.ErrInvalidArgument, "access at %#x of %#x bytes wraps", addr, len(buf))
	}
	if !m.regions.Covered(addr, end) {
		return errors.Wrapf(memutils.ErrAccessDenied, "[%#x, %#x) is not fully mapped", addr, end)
	}

	err := m.regions.Visit(addr, end, func(region regions.Region) error {
		if !accessible(&region) {
			return errors.Wrapf(memutils.ErrAccessDenied, "%s region [%#x, %#x) is not committed", region.Kind, region.Start, region.End)
		}
		if region.Protection&required != required {
			return errors.Wrapf(memutils.ErrAccessDenied, "region [%#x, %#x) has protection %s", region.Start, region.End, region.Protection)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return m.regions.Visit(addr, end, func(region regions.Region) error {
		return transfer(region, buf[region.Start-addr:region.End-addr])
	})
}

func (m *Manager) readRegion(region regions.Region, chunk []byte) error {
	switch {
	case region.Kind.IsPhysical():
		m.physicalContents.ReadAt(chunk, region.Offset)
	case region.Kind == regions.KindFile && region.Shared:
		read, err := region.Backing.(files.File).ReadAt(chunk, int64(region.Offset))
		if err != nil {
			return err
		}
		clear(chunk[read:])
	default:
		m.virtualContents.ReadAt(chunk, region.Start)
	}
	return nil
}

func (m *Manager) writeRegion(region regions.Region, chunk []byte) error {
	switch {
	case region.Kind.IsPhysical():
		m.physicalContents.WriteAt(chunk, region.Offset)
	case region.Kind == regions.KindFile && region.Shared:
		file := region.Backing.(files.File)
		info, err := file.Stat()
		if err != nil {
			return err
		}
		if region.Offset >= info.Size {
			return nil
		}
		// Stores past the end of the file are dropped
		chunk = chunk[:memutils.Min(uint64(len(chunk)), info.Size-region.Offset)]
		_, err = file.WriteAt(chunk, int64(region.Offset))
		if err != nil {
			return err
		}
	default:
		m.virtualContents.WriteAt(chunk, region.Start)
	}
	return nil
}
