package vmm

import (
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// MapFlexible maps size bytes of anonymous memory charged to the flexible budget
//
// addr - the address to map at with MapFixed, otherwise a hint that placement starts from
//
// prot - any combination of the CPU and GPU protection bits; CPU write implies CPU read
//
// flags - only MapFixed, MapNoOverwrite and MapNoCoalesce are accepted
func (m *Manager) MapFlexible(addr, size uint64, prot Protection, flags MapFlags) (uint64, error) {
	return m.MapNamedFlexible(addr, size, prot, flags, "")
}

// MapNamedFlexible is MapFlexible with a name for the new region
func (m *Manager) MapNamedFlexible(addr, size uint64, prot Protection, flags MapFlags, name string) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MapNamedFlexible", hexAttr("Address", addr), hexAttr("Size", size), slog.String("Protection", prot.String()), slog.String("Flags", flags.String()))

	err := checkFlags(flags, flexibleAllowedFlags)
	if err != nil {
		return 0, m.fail("Manager::MapNamedFlexible", err)
	}

	addr, err = m.mapFlexible(addr, size, prot, flags, name, budget.KindFlexible)
	if err != nil {
		return 0, m.fail("Manager::MapNamedFlexible", err)
	}
	return addr, nil
}

// MapNamedSystemFlexible maps anonymous memory charged to the system budget, placed from the
// system search base
func (m *Manager) MapNamedSystemFlexible(addr, size uint64, prot Protection, flags MapFlags, name string) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.logger.Debug("Manager::MapNamedSystemFlexible", hexAttr("Address", addr), hexAttr("Size", size), slog.String("Protection", prot.String()), slog.String("Flags", flags.String()))

	err := checkFlags(flags, flexibleAllowedFlags)
	if err != nil {
		return 0, m.fail("Manager::MapNamedSystemFlexible", err)
	}

	addr, err = m.mapFlexible(addr, size, prot, flags|MapSystem, name, budget.KindSystem)
	if err != nil {
		return 0, m.fail("Manager::MapNamedSystemFlexible", err)
	}
	return addr, nil
}

func (m *Manager) mapFlexible(addr, size uint64, prot Protection, flags MapFlags, name string, budgetKind budget.Kind) (uint64, error) {
	err := checkProtection(prot)
	if err != nil {
		return 0, err
	}
	err = checkName(name)
	if err != nil {
		return 0, err
	}

	flags, err = m.resolveFixed(addr, flags)
	if err != nil {
		return 0, err
	}
	err = m.checkMapping(addr, size, 0, flags)
	if err != nil {
		return 0, err
	}

	start, overwrite, err := m.place(addr, size, 0, flags)
	if err != nil {
		return 0, err
	}

	err = m.install(start, start+size, overwrite, mapping{
		start: start,
		end:   start + size,
		attrs: regions.Attributes{
			Kind:          regions.KindFlexible,
			Protection:    prot.Normalize(),
			MaxProtection: ProtAll,
			Committed:     true,
			NoCoalesce:    flags&MapNoCoalesce != 0,
			Name:          name,
			Budget:        budgetKind,
			CallSite:      m.nextCallSite(),
		},
	})
	if err != nil {
		return 0, err
	}

	return start, nil
}
