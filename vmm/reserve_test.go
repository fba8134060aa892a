package vmm_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/vmm"
)

func TestReserveRange(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.ReserveRange(0, 0x8000, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(searchBase), addr)

	aligned, err := manager.ReserveRange(0, 0x8000, 0, 0x100000)
	require.NoError(t, err)
	require.Equal(t, uint64(searchBase+0x100000), aligned)

	info, err := manager.VirtualQuery(addr, 0)
	require.NoError(t, err)
	require.False(t, info.IsCommitted)
	require.False(t, info.IsFlexible)
	require.Equal(t, vmm.DefaultFlexibleBudget, manager.AvailableFlexibleMemorySize())

	buf := make([]byte, 1)
	requireKind(t, memutils.KindAccessDenied, manager.Read(addr, buf))
}

func TestReserveRangeErrors(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	_, err := manager.ReserveRange(0, pageSize, vmm.MapSystem, 0)
	requireKind(t, memutils.KindInvalidArgument, err)

	_, err = manager.ReserveRange(0, pageSize, 0, 0x6000)
	requireKind(t, memutils.KindInvalidArgument, err)

	_, err = manager.ReserveRange(0, pageSize, 0, 0x100000000)
	requireKind(t, memutils.KindInvalidArgument, err)

	_, err = manager.ReserveRange(0, 0, 0, 0)
	requireKind(t, memutils.KindInvalidArgument, err)

	_, err = manager.ReserveRange(0, 0xfc00000000, 0, 0)
	requireKind(t, memutils.KindOutOfMemory, err)
}

func TestReservationsCoalesce(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{Platform: newPlatform(t, "1.00", "1.00")})

	addr, err := manager.ReserveRange(0, 0x8000, 0, 0)
	require.NoError(t, err)
	_, err = manager.ReserveRange(addr+0x8000, 0x8000, vmm.MapFixed, 0)
	require.NoError(t, err)

	info, err := manager.VirtualQuery(addr, 0)
	require.NoError(t, err)
	require.Equal(t, addr+0x10000, info.End)
}

func TestMapOverReservation(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.ReserveRange(0, 0x10000, 0, 0)
	require.NoError(t, err)

	// NoOverwrite refuses reservations too
	_, err = manager.MapFlexible(addr, pageSize, vmm.ProtCPURead, vmm.MapFixed|vmm.MapNoOverwrite)
	requireKind(t, memutils.KindOutOfMemory, err)

	flexible, err := manager.MapFlexible(addr+0x4000, 0x4000, vmm.ProtCPUReadWrite, vmm.MapFixed)
	require.NoError(t, err)
	require.Equal(t, addr+0x4000, flexible)

	info, err := manager.VirtualQuery(addr, 0)
	require.NoError(t, err)
	require.Equal(t, addr+0x4000, info.End)

	info, err = manager.VirtualQuery(addr+0x8000, 0)
	require.NoError(t, err)
	require.Equal(t, addr+0x8000, info.Start)
	require.Equal(t, addr+0x10000, info.End)
	require.False(t, info.IsCommitted)

	// Reserving over the flexible mapping returns its budget
	_, err = manager.ReserveRange(addr, 0x10000, vmm.MapFixed, 0)
	require.NoError(t, err)
	require.Equal(t, vmm.DefaultFlexibleBudget, manager.AvailableFlexibleMemorySize())
}

func TestUnmap(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, 0xc000, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)

	requireKind(t, memutils.KindInvalidArgument, manager.Unmap(addr, 0))

	// Partial pages are widened
	require.NoError(t, manager.Unmap(addr+0x4100, 0x100))
	require.Equal(t, vmm.DefaultFlexibleBudget-0x8000, manager.AvailableFlexibleMemorySize())

	_, err = manager.VirtualQuery(addr+0x4000, 0)
	requireKind(t, memutils.KindAccessDenied, err)

	info, err := manager.VirtualQuery(addr+0x8000, 0)
	require.NoError(t, err)
	require.Equal(t, addr+0x8000, info.Start)

	// Unmapped ranges are not an error
	require.NoError(t, manager.Unmap(addr, 0x100000))
	require.NoError(t, manager.Unmap(addr, 0x100000))
	require.Equal(t, vmm.DefaultFlexibleBudget, manager.AvailableFlexibleMemorySize())
}
