package vmm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/memutils"
)

// Unmap removes every mapping and reservation inside [addr, addr+size), after aligning addr down
// and the end up to the page size. Unmapping direct memory drops the mapping's reference to it but
// never frees it. Unmapping addresses that are not mapped succeeds.
func (m *Manager) Unmap(addr, size uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::Unmap", hexAttr("Address", addr), hexAttr("Size", size))

	if size == 0 {
		return m.fail("Manager::Unmap", errors.Wrap(memutils.ErrInvalidArgument, "size is zero"))
	}

	start := memutils.AlignDown(addr, m.pageSize)
	end := memutils.AlignUp(addr+size, m.pageSize)
	if end <= start {
		return m.fail("Manager::Unmap", errors.Wrapf(memutils.ErrInvalidArgument, "range at %#x of %#x bytes wraps", addr, size))
	}

	m.releaseRegions(m.regions.Remove(start, end))
	memutils.DebugValidate(m.regions)
	return nil
}
