package dmem_test

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/orbismem/dmem"
	"github.com/vkngwrapper/orbismem/memutils"
	"golang.org/x/exp/slog"
)

const (
	pageSize = 0x4000
	dmemSize = 0x150000000
)

// newAllocator returns an allocator with the driver's pre-allocation in place
func newAllocator(t *testing.T) *dmem.Allocator {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	allocator := dmem.New(logger, dmemSize, pageSize)

	phys, err := allocator.Allocate(0, 0x10000, 0x10000, 0, 3)
	require.NoError(t, err)
	require.Zero(t, phys)
	return allocator
}

func TestAllocateAfterDriverReservation(t *testing.T) {
	allocator := newAllocator(t)

	phys, err := allocator.Allocate(0, dmemSize, 0x10000, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), phys)
	require.Len(t, allocator.Extents(), 2)
	require.NoError(t, allocator.Validate())
}

func TestAllocateCoalescesSameType(t *testing.T) {
	allocator := newAllocator(t)

	_, err := allocator.Allocate(0, dmemSize, 0x10000, 0, 0)
	require.NoError(t, err)
	_, err = allocator.Allocate(0, dmemSize, 0x10000, 0, 0)
	require.NoError(t, err)
	_, err = allocator.Allocate(0, dmemSize, 0x10000, 0, 1)
	require.NoError(t, err)

	require.Equal(t, []dmem.Extent{
		{Start: 0, End: 0x10000, Type: 3},
		{Start: 0x10000, End: 0x30000, Type: 0},
		{Start: 0x30000, End: 0x40000, Type: 1},
	}, allocator.Extents())
}

func TestAlignmentSkipsUnsuitableGap(t *testing.T) {
	allocator := newAllocator(t)

	phys, err := allocator.Allocate(0x20000, dmemSize, 0x4000, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x20000), phys)

	// [0x10000, 0x20000) is large enough, but aligning its start moves it past its end
	phys, err = allocator.Allocate(0, dmemSize, 0x20000, 0x20000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x40000), phys)

	phys, err = allocator.Allocate(0, dmemSize, 0x10000, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), phys)
}

func TestAllocateParameterErrors(t *testing.T) {
	allocator := newAllocator(t)

	cases := []struct {
		name                  string
		start, end            int64
		size, alignment       uint64
		memType               int32
		expectedKind          memutils.Kind
		expectedErrnoTryAgain bool
	}{
		{name: "negative start", start: -1, end: dmemSize, size: 0x4000, expectedKind: memutils.KindInvalidArgument},
		{name: "negative end", start: 0, end: -0x4000, size: 0x4000, expectedKind: memutils.KindInvalidArgument},
		{name: "zero size", start: 0, end: dmemSize, size: 0, expectedKind: memutils.KindInvalidArgument},
		{name: "misaligned size", start: 0, end: dmemSize, size: 0x3000, expectedKind: memutils.KindInvalidArgument},
		{name: "multi-bit alignment", start: 0, end: dmemSize, size: 0x4000, alignment: 0xc000, expectedKind: memutils.KindInvalidArgument},
		{name: "sub-page alignment", start: 0, end: dmemSize, size: 0x4000, alignment: 0x1000, expectedKind: memutils.KindInvalidArgument},
		{name: "bad type", start: 0, end: dmemSize, size: 0x4000, memType: 11, expectedKind: memutils.KindInvalidArgument},
		{name: "negative type", start: 0, end: dmemSize, size: 0x4000, memType: -1, expectedKind: memutils.KindInvalidArgument},
		{name: "empty window", start: 0x20000, end: 0x20000, size: 0x4000, expectedKind: memutils.KindOutOfMemory, expectedErrnoTryAgain: true},
		{name: "window smaller than size", start: 0x20000, end: 0x24000, size: 0x8000, expectedKind: memutils.KindOutOfMemory, expectedErrnoTryAgain: true},
		{name: "window past physical memory", start: dmemSize, end: dmemSize * 2, size: 0x4000, expectedKind: memutils.KindOutOfMemory, expectedErrnoTryAgain: true},
		{name: "window already allocated", start: 0, end: 0x10000, size: 0x4000, expectedKind: memutils.KindOutOfMemory, expectedErrnoTryAgain: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := allocator.Allocate(tc.start, tc.end, tc.size, tc.alignment, tc.memType)
			require.Equal(t, tc.expectedKind, memutils.KindOf(err))
			if tc.expectedErrnoTryAgain {
				require.Equal(t, "EAGAIN", memutils.Errno(err))
			}
		})
	}

	require.Len(t, allocator.Extents(), 1)
}

func TestCheckedRelease(t *testing.T) {
	allocator := newAllocator(t)

	phys, err := allocator.Allocate(0, dmemSize, 0x10000, 0, 0)
	require.NoError(t, err)

	_, err = allocator.Release(phys, 0x14000, true)
	require.True(t, errors.Is(err, dmem.ErrNotAllocated))
	require.Equal(t, memutils.KindNotFound, memutils.KindOf(err))
	require.Len(t, allocator.Extents(), 2)

	_, err = allocator.Release(0x100000, 0x3000, true)
	require.Equal(t, memutils.KindInvalidArgument, memutils.KindOf(err))

	freed, err := allocator.Release(phys+0x4000, 0x8000, true)
	require.NoError(t, err)
	require.Equal(t, []dmem.Extent{{Start: 0x14000, End: 0x1c000}}, freed)
	require.Equal(t, []dmem.Extent{
		{Start: 0, End: 0x10000, Type: 3},
		{Start: 0x10000, End: 0x14000},
		{Start: 0x1c000, End: 0x20000},
	}, allocator.Extents())
}

func TestUncheckedReleaseIgnoresFreeParts(t *testing.T) {
	allocator := newAllocator(t)

	_, err := allocator.Allocate(0x20000, dmemSize, 0x4000, 0, 0)
	require.NoError(t, err)
	_, err = allocator.Allocate(0x40000, dmemSize, 0x4000, 0, 0)
	require.NoError(t, err)

	freed, err := allocator.Release(0x10000, 0x40000, false)
	require.NoError(t, err)
	require.Len(t, freed, 2)
	require.Len(t, allocator.Extents(), 1)

	_, err = allocator.Query(0x20000)
	require.Equal(t, memutils.KindNotFound, memutils.KindOf(err))
}

func TestRetypeSplitsWithoutCoalescing(t *testing.T) {
	allocator := newAllocator(t)

	phys, err := allocator.Allocate(0, dmemSize, 0x10000, 0, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.Retype(phys+0x4000, phys+0x8000, 5))
	extent, err := allocator.Query(phys + 0x4000)
	require.NoError(t, err)
	require.Equal(t, dmem.Extent{Start: 0x14000, End: 0x18000, Type: 5}, extent)
	require.Len(t, allocator.Extents(), 4)

	require.NoError(t, allocator.Retype(phys+0x4000, phys+0x8000, 0))
	require.Len(t, allocator.Extents(), 4)

	require.Equal(t, memutils.KindInvalidArgument, memutils.KindOf(allocator.Retype(phys, phys+0x4000, 11)))
	require.Equal(t, memutils.KindNotFound, memutils.KindOf(allocator.Retype(0x100000, 0x104000, 1)))
}

func TestAvailable(t *testing.T) {
	allocator := newAllocator(t)

	phys, size, err := allocator.Available(0, dmemSize, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), phys)
	require.Equal(t, uint64(dmemSize-0x10000), size)

	phys, size, err = allocator.Available(dmemSize/2, dmemSize, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(dmemSize/2), phys)
	require.Equal(t, uint64(dmemSize/2), size)

	phys, _, err = allocator.Available(0x1c001, dmemSize, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x20000), phys)

	phys, _, err = allocator.Available(0, dmemSize, 0x20000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x20000), phys)

	_, _, err = allocator.Available(0, dmemSize, 0x30000)
	require.Equal(t, memutils.KindInvalidArgument, memutils.KindOf(err))

	_, _, err = allocator.Available(0, 0x10000, 0)
	require.True(t, errors.Is(err, dmem.ErrNoFreeRange))
	require.Equal(t, memutils.KindOutOfMemory, memutils.KindOf(err))
}

func TestAvailablePicksLargestGap(t *testing.T) {
	allocator := newAllocator(t)

	_, err := allocator.Allocate(0x20000, dmemSize, 0x4000, 0, 0)
	require.NoError(t, err)

	phys, size, err := allocator.Available(0, 0x100000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x24000), phys)
	require.Equal(t, uint64(0x100000-0x24000), size)
}

func TestCheckMappable(t *testing.T) {
	allocator := newAllocator(t)

	phys, err := allocator.Allocate(0, dmemSize, 0x10000, 0, 0)
	require.NoError(t, err)
	pooled, err := allocator.AllocatePooled(0, dmemSize, 0x10000, 0x10000)
	require.NoError(t, err)

	require.NoError(t, allocator.CheckMappable(phys, phys+0x10000, false))
	require.Equal(t, memutils.KindAccessDenied, memutils.KindOf(allocator.CheckMappable(phys, phys+0x14000, false)))
	require.True(t, errors.Is(allocator.CheckMappable(pooled, pooled+0x4000, false), dmem.ErrNotMappable))
	require.NoError(t, allocator.CheckMappable(pooled, pooled+0x4000, true))
}

func TestReferences(t *testing.T) {
	allocator := newAllocator(t)

	allocator.Reference(0x20000, 0x30000)
	allocator.Reference(0x28000, 0x2c000)
	require.True(t, allocator.Referenced(0x2c000, 0x40000))
	require.False(t, allocator.Referenced(0x30000, 0x40000))
	require.Equal(t, 2, allocator.MaxReferences(0x20000, 0x30000))

	allocator.Unreference(0x20000, 0x30000)
	require.False(t, allocator.Referenced(0x20000, 0x28000))
	require.True(t, allocator.Referenced(0x28000, 0x2c000))
	require.NoError(t, allocator.Validate())
}

func TestPrintDetailedMap(t *testing.T) {
	allocator := newAllocator(t)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	allocator.PrintDetailedMap(obj)
	obj.End()

	require.Contains(t, string(writer.Bytes()), `"ExtentList":[{"Start":"0x0","End":"0x10000","Type":3}]`)
}
