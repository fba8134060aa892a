package vmm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// SetVirtualRangeName names every region inside [addr, addr+size). Addresses that are not mapped
// are skipped.
func (m *Manager) SetVirtualRangeName(addr, size uint64, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::SetVirtualRangeName", hexAttr("Address", addr), hexAttr("Size", size), slog.String("Name", name))

	err := checkName(name)
	if err != nil {
		return m.fail("Manager::SetVirtualRangeName", err)
	}
	start, end, err := m.alignRange(addr, size)
	if err != nil {
		return m.fail("Manager::SetVirtualRangeName", err)
	}

	m.regions.Update(start, end, func(attrs *regions.Attributes) {
		attrs.Name = name
	}, m.caps.RenameCoalesces)
	return nil
}

// Mlock locks [addr, addr+size) into memory. Every page of the range must be mapped.
func (m *Manager) Mlock(addr, size uint64) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::Mlock", hexAttr("Address", addr), hexAttr("Size", size))

	err := m.checkLockRange(addr, size)
	if err != nil {
		return m.fail("Manager::Mlock", err)
	}
	return nil
}

// Munlock undoes Mlock. Every page of the range must be mapped.
func (m *Manager) Munlock(addr, size uint64) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.logger.Debug("Manager::Munlock", hexAttr("Address", addr), hexAttr("Size", size))

	err := m.checkLockRange(addr, size)
	if err != nil {
		return m.fail("Manager::Munlock", err)
	}
	return nil
}

func (m *Manager) checkLockRange(addr, size uint64) error {
	start, end, err := m.alignRange(addr, size)
	if err != nil {
		return err
	}
	if !m.regions.Covered(start, end) {
		return errors.Wrapf(memutils.ErrOutOfMemory, "range [%#x, %#x) is not fully mapped", start, end)
	}
	return nil
}
