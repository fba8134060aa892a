package vmm_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"github.com/vkngwrapper/orbismem/vmm"
)

func TestMapFlexiblePlacement(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, 0x8000, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(searchBase), addr)

	// Hints below the search base are ignored
	addr, err = manager.MapFlexible(0x1000, pageSize, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(searchBase+0x8000), addr)

	// Misaligned hints are rounded up
	addr, err = manager.MapFlexible(0x300001000, pageSize, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x300004000), addr)
}

func TestMapFlexibleInvalidArguments(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	testCases := map[string]struct {
		addr  uint64
		size  uint64
		prot  vmm.Protection
		flags vmm.MapFlags
	}{
		"UndefinedProtection": {size: pageSize, prot: 8},
		"ZeroSize":            {size: 0, prot: vmm.ProtCPURead},
		"MisalignedSize":      {size: 0x3000, prot: vmm.ProtCPURead},
		"FixedMisaligned":     {addr: searchBase + 0x1000, size: pageSize, prot: vmm.ProtCPURead, flags: vmm.MapFixed},
		"FixedNull":           {size: pageSize, prot: vmm.ProtCPURead, flags: vmm.MapFixed},
		"ForeignFlag":         {size: pageSize, prot: vmm.ProtCPURead, flags: vmm.MapStack},
		"PastCeiling":         {addr: 0xfc00000000, size: pageSize, prot: vmm.ProtCPURead, flags: vmm.MapFixed},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := manager.MapFlexible(testCase.addr, testCase.size, testCase.prot, testCase.flags)
			requireKind(t, memutils.KindInvalidArgument, err)
		})
	}

	require.Equal(t, vmm.DefaultFlexibleBudget, manager.AvailableFlexibleMemorySize())
}

func TestFixedNullOnLegacySDK(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{Platform: newPlatform(t, "1.50", "1.50")})

	addr, err := manager.MapFlexible(0, pageSize, vmm.ProtCPURead, vmm.MapFixed)
	require.NoError(t, err)
	require.Equal(t, uint64(searchBase), addr)
}

func TestLegacyCeiling(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{Platform: newPlatform(t, "2.00", "2.00")})

	addr, err := manager.MapFlexible(0xfc00000000, pageSize, vmm.ProtCPURead, vmm.MapFixed)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfc00000000), addr)

	_, err = manager.MapFlexible(0x10000000000, pageSize, vmm.ProtCPURead, vmm.MapFixed)
	requireKind(t, memutils.KindInvalidArgument, err)
}

func TestNoOverwrite(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, 0x10000, vmm.ProtCPURead, 0)
	require.NoError(t, err)

	// Partial overlap anywhere in the range is enough
	_, err = manager.MapFlexible(addr+0xc000, 0x8000, vmm.ProtCPURead, vmm.MapFixed|vmm.MapNoOverwrite)
	requireKind(t, memutils.KindOutOfMemory, err)
	require.True(t, errors.Is(err, regions.ErrAlreadyMapped))
	require.False(t, errors.Is(err, regions.ErrNoFreeRange))
	require.Equal(t, "ENOMEM", memutils.Errno(err))

	_, err = manager.MapFlexible(addr+0x10000, 0x8000, vmm.ProtCPURead, vmm.MapFixed|vmm.MapNoOverwrite)
	require.NoError(t, err)

	require.Equal(t, vmm.DefaultFlexibleBudget-0x18000, manager.AvailableFlexibleMemorySize())
}

func TestFixedOverwriteReclaimsBudget(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{FlexibleBudget: 0x8000})

	addr, err := manager.MapFlexible(0, 0x8000, vmm.ProtCPURead, 0)
	require.NoError(t, err)
	require.Zero(t, manager.AvailableFlexibleMemorySize())

	_, err = manager.MapFlexible(addr, 0x8000, vmm.ProtCPUReadWrite, vmm.MapFixed)
	require.NoError(t, err)
	require.Zero(t, manager.AvailableFlexibleMemorySize())

	_, _, prot, err := manager.QueryMemoryProtection(addr)
	require.NoError(t, err)
	require.Equal(t, vmm.ProtCPUReadWrite, prot)
}

func TestFlexibleBudgetExhaustion(t *testing.T) {
	testCases := map[string]struct {
		sdk  string
		kind memutils.Kind
	}{
		"Legacy": {sdk: "3.00", kind: memutils.KindInvalidArgument},
		"Modern": {sdk: "3.50", kind: memutils.KindOutOfMemory},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			manager := newManager(t, vmm.CreateOptions{
				Platform:       newPlatform(t, "", testCase.sdk),
				FlexibleBudget: 0x40000,
			})

			var mapped []uint64
			for {
				addr, err := manager.MapFlexible(0, pageSize, vmm.ProtCPUReadWrite, vmm.MapNoCoalesce)
				if err != nil {
					requireKind(t, testCase.kind, err)
					break
				}
				mapped = append(mapped, addr)
			}

			require.Len(t, mapped, 16)
			require.Zero(t, manager.AvailableFlexibleMemorySize())

			for _, addr := range mapped {
				require.NoError(t, manager.Unmap(addr, pageSize))
			}
			require.Equal(t, uint64(0x40000), manager.AvailableFlexibleMemorySize())
		})
	}
}

func TestFlexibleCoalescing(t *testing.T) {
	testCases := map[string]struct {
		firmware string
		sdk      string
		flags    vmm.CreateFlags
		end      uint64
	}{
		"Modern":         {firmware: "11.00", sdk: "11.00", end: searchBase + 0x8000},
		"LegacySDK":      {firmware: "11.00", sdk: "1.50", end: searchBase + pageSize},
		"StrictCallSite": {firmware: "5.05", sdk: "5.00", end: searchBase + pageSize},
		"Forced":         {firmware: "5.05", sdk: "1.50", flags: vmm.CreateForceCoalesce, end: searchBase + 0x8000},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			manager := newManager(t, vmm.CreateOptions{
				Flags:    testCase.flags,
				Platform: newPlatform(t, testCase.firmware, testCase.sdk),
			})

			_, err := manager.MapFlexible(0, pageSize, vmm.ProtCPUReadWrite, 0)
			require.NoError(t, err)
			_, err = manager.MapFlexible(0, pageSize, vmm.ProtCPUReadWrite, 0)
			require.NoError(t, err)

			info, err := manager.VirtualQuery(searchBase, 0)
			require.NoError(t, err)
			require.Equal(t, uint64(searchBase), info.Start)
			require.Equal(t, testCase.end, info.End)
		})
	}
}

func TestNoCoalesceFlag(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	_, err := manager.MapFlexible(0, pageSize, vmm.ProtCPUReadWrite, vmm.MapNoCoalesce)
	require.NoError(t, err)
	_, err = manager.MapFlexible(0, pageSize, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)

	info, err := manager.VirtualQuery(searchBase, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(searchBase+pageSize), info.End)
}

func TestSystemFlexible(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{SystemBudget: 0x8000})

	addr, err := manager.MapNamedSystemFlexible(0, 0x8000, vmm.ProtCPUReadWrite, 0, "system heap")
	require.NoError(t, err)
	require.Equal(t, vmm.DefaultSystemSearchBase, addr)
	require.Equal(t, vmm.DefaultFlexibleBudget, manager.AvailableFlexibleMemorySize())

	info, err := manager.VirtualQuery(addr, 0)
	require.NoError(t, err)
	require.Equal(t, "system heap", info.Name)
	require.True(t, info.IsFlexible)

	_, err = manager.MapNamedSystemFlexible(0, pageSize, vmm.ProtCPUReadWrite, 0, "")
	requireKind(t, memutils.KindOutOfMemory, err)

	_, err = manager.MapNamedSystemFlexible(0, pageSize, vmm.ProtCPUReadWrite, vmm.MapSystem, "")
	requireKind(t, memutils.KindInvalidArgument, err)
}

func TestNameTooLong(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	_, err := manager.MapNamedFlexible(0, pageSize, vmm.ProtCPURead, 0, "0123456789012345678901234567890")
	require.NoError(t, err)

	_, err = manager.MapNamedFlexible(0, pageSize, vmm.ProtCPURead, 0, "01234567890123456789012345678901")
	requireKind(t, memutils.KindInvalidArgument, err)
}

func TestFlexibleContentsDoNotSurviveRemap(t *testing.T) {
	manager := newManager(t, vmm.CreateOptions{})

	addr, err := manager.MapFlexible(0, pageSize, vmm.ProtCPUReadWrite, 0)
	require.NoError(t, err)
	require.NoError(t, manager.Write(addr+0x10, []byte("flexible")))
	require.NoError(t, manager.Unmap(addr, pageSize))

	_, err = manager.MapFlexible(addr, pageSize, vmm.ProtCPUReadWrite, vmm.MapFixed)
	require.NoError(t, err)

	buf := make([]byte, 8)
	require.NoError(t, manager.Read(addr+0x10, buf))
	require.Equal(t, make([]byte, 8), buf)
}
