package vmm

import (
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// ReserveRange claims size bytes of address space without backing them. The reservation has no
// protection; it can later be replaced by a MapFixed mapping.
//
// addr - the address to reserve at with MapFixed, otherwise a hint that placement starts from
//
// flags - only MapFixed, MapNoOverwrite and MapNoCoalesce are accepted
//
// alignment - zero or a page-aligned power of two below 4 GiB
func (m *Manager) ReserveRange(addr, size uint64, flags MapFlags, alignment uint64) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::ReserveRange", hexAttr("Address", addr), hexAttr("Size", size), slog.String("Flags", flags.String()))

	err := checkFlags(flags, reserveAllowedFlags)
	if err != nil {
		return 0, m.fail("Manager::ReserveRange", err)
	}

	return m.reserve(addr, size, flags, alignment, true)
}

func (m *Manager) reserve(addr, size uint64, flags MapFlags, alignment uint64, shared bool) (uint64, error) {
	flags, err := m.resolveFixed(addr, flags)
	if err != nil {
		return 0, m.fail("Manager::reserve", err)
	}

	err = m.checkMapping(addr, size, alignment, flags)
	if err != nil {
		return 0, m.fail("Manager::reserve", err)
	}

	start, overwrite, err := m.place(addr, size, alignment, flags)
	if err != nil {
		return 0, m.fail("Manager::reserve", err)
	}

	err = m.install(start, start+size, overwrite, mapping{
		start: start,
		end:   start + size,
		attrs: regions.Attributes{
			Kind:       regions.KindReserved,
			Shared:     shared,
			NoCoalesce: flags&MapNoCoalesce != 0,
			Budget:     budget.KindNone,
			CallSite:   m.nextCallSite(),
		},
	})
	if err != nil {
		return 0, m.fail("Manager::reserve", err)
	}

	return start, nil
}
