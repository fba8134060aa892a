package vmm_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/vmm"
)

func TestProtectSplitsAndRecoalesces(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, 0x10000, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)

	require.NoError(t, manager.Protect(addr+0x4000, 0x4000, vmm.ProtCPURead))

	start, end, prot, err := manager.QueryMemoryProtection(addr + 0x4000)
	require.NoError(t, err)
	require.Equal(t, addr+0x4000, start)
	require.Equal(t, addr+0x8000, end)
	require.Equal(t, vmm.ProtCPURead, prot)

	start, end, prot, err = manager.QueryMemoryProtection(addr)
	require.NoError(t, err)
	require.Equal(t, addr, start)
	require.Equal(t, addr+0x4000, end)
	require.Equal(t, vmm.ProtCPUReadWrite, prot)

	require.NoError(t, manager.Protect(addr+0x4000, 0x4000, vmm.ProtCPUReadWrite))

	start, end, _, err = manager.QueryMemoryProtection(addr + 0x4000)
	require.NoError(t, err)
	require.Equal(t, addr, start)
	require.Equal(t, addr+0x10000, end)
}

func TestProtectIsIdempotent(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, 0x10000, vmm.ProtCPURead, vmm.MapNoCoalesce)
	require.NoError(t, err)

	require.NoError(t, manager.Protect(addr, 0x10000, vmm.ProtCPURead))
	require.NoError(t, manager.Protect(addr+0x4000, 0x4000, vmm.ProtCPURead))

	// Unchanged regions are not split
	info, err := manager.VirtualQuery(addr+0x4000, 0)
	require.NoError(t, err)
	require.Equal(t, addr, info.Start)
	require.Equal(t, addr+0x10000, info.End)
}

func TestProtectNormalizesProtection(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, pageSize, vmm.ProtCPURead, 0)
	require.NoError(t, err)

	require.NoError(t, manager.Protect(addr, pageSize, vmm.ProtCPUWrite))
	_, _, prot, err := manager.QueryMemoryProtection(addr)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtCPUReadWrite, prot)

	// Undefined bits are dropped
	require.NoError(t, manager.Protect(addr, pageSize, vmm.ProtGPURead|0x40))
	_, _, prot, err = manager.QueryMemoryProtection(addr)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtGPURead, prot)

	requireKind(t, memutils.KindAccessDenied, manager.Write(addr, []byte{1}))
}

func TestProtectMisalignedRange(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, 0xc000, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)

	// The range is widened to whole pages
	require.NoError(t, manager.Protect(addr+0x4100, 0x100, vmm.ProtNone))

	start, end, prot, err := manager.QueryMemoryProtection(addr + 0x4000)
	require.NoError(t, err)
	require.Equal(t, addr+0x4000, start)
	require.Equal(t, addr+0x8000, end)
	require.Equal(t, vmm.ProtNone, prot)

	buf := make([]byte, 1)
	requireKind(t, memutils.KindAccessDenied, manager.Read(addr+0x4000, buf))
	require.NoError(t, manager.Read(addr+0x8000, buf))
}

func TestProtectStripsExecuteFromDirectMemory(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	phys, err := manager.AllocateMainDirectMemory(0x10000, 0, 0)
	require.NoError(t, err)
	addr, err := manager.MapDirect(0, 0x10000, vmm.ProtCPURead, 0, phys, 0)
	require.NoError(t, err)

	require.NoError(t, manager.Protect(addr, 0x10000, vmm.ProtAll))

	_, _, prot, err := manager.QueryMemoryProtection(addr)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtCPUReadWrite|vmm.ProtGPUReadWrite, prot)

	flexible, err := manager.MapFlexible(0, pageSize, vmm.ProtCPURead, 0)
	require.NoError(t, err)
	require.NoError(t, manager.Protect(flexible, pageSize, vmm.ProtAll))

	_, _, prot, err = manager.QueryMemoryProtection(flexible)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtAll, prot)
}

func TestProtectSkipsReservations(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	reserved, err := manager.ReserveRange(0, 0x8000, 0, 0)
	require.NoError(t, err)
	addr, err := manager.MapFlexible(reserved+0x8000, pageSize, vmm.ProtCPURead, vmm.MapFixed)
	require.NoError(t, err)

	// Unmapped pages past the flexible mapping are skipped too
	require.NoError(t, manager.Protect(reserved, 0x20000, vmm.ProtCPUReadWrite))

	info, err := manager.VirtualQuery(reserved, 0)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtNone, info.Protection)

	_, _, prot, err := manager.QueryMemoryProtection(addr)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtCPUReadWrite, prot)
}

func TestProtectReadOnlyMemoryType(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	phys, err := manager.AllocateMainDirectMemory(0x10000, 0, 0)
	require.NoError(t, err)
	addr, err := manager.MapDirect2(0, 0x10000, 10, vmm.ProtCPURead, 0, phys, 0)
	require.NoError(t, err)

	err = manager.Protect(addr, 0x10000, vmm.ProtGPUWrite)
	requireKind(t, memutils.KindAccessDenied, err)

	require.NoError(t, manager.Protect(addr, 0x10000, vmm.ProtCPURead|vmm.ProtGPURead))
	_, _, prot, err := manager.QueryMemoryProtection(addr)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtCPURead|vmm.ProtGPURead, prot)
}

func TestRetype(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	phys, err := manager.AllocateMainDirectMemory(0x10000, 0, 0)
	require.NoError(t, err)
	addr, err := manager.MapDirect(0, 0x10000, vmm.ProtCPUReadWrite, 0, phys, 0)
	require.NoError(t, err)

	require.NoError(t, manager.Retype(addr, 0x8000, 5, vmm.ProtCPURead))

	memType, start, end, err := manager.GetDirectMemoryType(phys)
	require.NoError(t, err)
	require.Equal(t, int32(5), memType)
	require.Equal(t, phys, start)
	require.Equal(t, phys+0x8000, end)

	memType, _, _, err = manager.GetDirectMemoryType(phys + 0x8000)
	require.NoError(t, err)
	require.Equal(t, int32(0), memType)

	info, err := manager.VirtualQuery(addr, 0)
	require.NoError(t, err)
	require.Equal(t, addr+0x8000, info.End)
	require.Equal(t, int32(5), info.MemoryType)
	require.Equal(t, vmm.ProtCPURead, info.Protection)

	// Retyping the rest lets the two halves merge again
	require.NoError(t, manager.Retype(addr+0x8000, 0x8000, 5, vmm.ProtCPURead))
	info, err = manager.VirtualQuery(addr, 0)
	require.NoError(t, err)
	require.Equal(t, addr+0x10000, info.End)
}

func TestRetypeErrors(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	phys, err := manager.AllocateMainDirectMemory(0x10000, 0, 0)
	require.NoError(t, err)
	direct, err := manager.MapDirect(0, 0x10000, vmm.ProtCPUReadWrite, 0, phys, 0)
	require.NoError(t, err)
	flexible, err := manager.MapFlexible(0, pageSize, vmm.ProtCPURead, 0)
	require.NoError(t, err)

	// The memory type is checked before anything else
	requireKind(t, memutils.KindInvalidArgument, manager.Retype(0, pageSize, 11, vmm.ProtCPURead))
	requireKind(t, memutils.KindInvalidArgument, manager.Retype(direct, pageSize, -1, vmm.ProtCPURead))

	requireKind(t, memutils.KindAccessDenied, manager.Retype(direct, pageSize, 10, vmm.ProtCPUReadWrite))
	requireKind(t, memutils.KindAccessDenied, manager.Retype(direct, pageSize, 10, vmm.ProtCPUExec))

	// Gaps are rejected before the kinds of the regions are looked at
	requireKind(t, memutils.KindAccessDenied, manager.Retype(flexible, 0x8000, 1, vmm.ProtCPURead))
	requireKind(t, memutils.KindNotSupported, manager.Retype(flexible, pageSize, 1, vmm.ProtCPURead))

	// Nothing changed
	memType, _, _, err := manager.GetDirectMemoryType(phys)
	require.NoError(t, err)
	require.Equal(t, int32(0), memType)

	require.NoError(t, manager.Retype(direct, pageSize, 10, vmm.ProtCPURead))
	requireKind(t, memutils.KindAccessDenied, manager.Write(direct, []byte{1}))
}
