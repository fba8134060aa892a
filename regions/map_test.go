package regions_test

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

const pageSize = 0x4000

func newMap(policy regions.CoalescePolicy) *regions.Map {
	logger := slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(os.Stdout))
	return regions.New(logger, pageSize, 0x10000000000, policy)
}

var modern = regions.CoalescePolicy{Committed: true}

func flexible(prot regions.Protection) regions.Attributes {
	return regions.Attributes{
		Kind:          regions.KindFlexible,
		Protection:    prot,
		MaxProtection: regions.ProtAll,
		Committed:     true,
		Budget:        budget.KindFlexible,
	}
}

func direct(phys uint64) regions.Attributes {
	return regions.Attributes{
		Kind:          regions.KindDirect,
		Protection:    regions.ProtCPUReadWrite,
		MaxProtection: regions.ProtAll,
		Offset:        phys,
		Committed:     true,
	}
}

func TestInsertCoalescesBothSides(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200004000, flexible(regions.ProtCPUReadWrite), regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200008000, 0x20000c000, flexible(regions.ProtCPUReadWrite), regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	_, err = m.Insert(0x200004000, 0x200008000, flexible(regions.ProtCPUReadWrite), regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	region, err := m.Query(0x200006000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200000000), region.Start)
	require.Equal(t, uint64(0x20000c000), region.End)
	require.NoError(t, m.Validate())
}

func TestInsertDoesNotMergeDifferentAttributes(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200004000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200004000, 0x200008000, flexible(regions.ProtCPUReadWrite), regions.NoOverwrite)
	require.NoError(t, err)

	named := flexible(regions.ProtCPURead)
	named.Name = "heap"
	_, err = m.Insert(0x1fffc000, 0x20000000, named, regions.NoOverwrite)
	require.NoError(t, err)

	require.Equal(t, 3, m.Count())
}

func TestDirectMergeNeedsContiguousOffsets(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200004000, direct(0x10000), regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200004000, 0x200008000, direct(0x20000), regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	_, err = m.Insert(0x200008000, 0x20000c000, direct(0x24000), regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	region, err := m.Query(0x20000a000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200004000), region.Start)
	require.Equal(t, uint64(0x20000c000), region.End)
	require.Equal(t, uint64(0x20000), region.Offset)
}

func TestLegacyPolicyOnlyMergesReservations(t *testing.T) {
	m := newMap(regions.CoalescePolicy{})

	_, err := m.Insert(0x200000000, 0x200004000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200004000, 0x200008000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	reserved := regions.Attributes{Kind: regions.KindReserved}
	_, err = m.Insert(0x300000000, 0x300004000, reserved, regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x300004000, 0x300008000, reserved, regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 3, m.Count())
}

func TestStrictCallSite(t *testing.T) {
	m := newMap(regions.CoalescePolicy{Committed: true, StrictCallSite: true})

	first := flexible(regions.ProtCPURead)
	first.CallSite = 1
	second := first
	second.CallSite = 2

	_, err := m.Insert(0x200000000, 0x200004000, first, regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200004000, 0x200008000, second, regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())
}

func TestReservationOnlyExtendsLeft(t *testing.T) {
	m := newMap(modern)
	reserved := regions.Attributes{Kind: regions.KindReserved}

	_, err := m.Insert(0x200004000, 0x200008000, reserved, regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200000000, 0x200004000, reserved, regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	_, err = m.Insert(0x200008000, 0x20000c000, reserved, regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	shared := regions.Attributes{Kind: regions.KindReserved, Shared: true}
	_, err = m.Insert(0x300004000, 0x300008000, shared, regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x300000000, 0x300004000, shared, regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 3, m.Count())
}

func TestUpdateKeepsReservationBoundaries(t *testing.T) {
	m := newMap(modern)
	reserved := regions.Attributes{Kind: regions.KindReserved}

	_, err := m.Insert(0x200004000, 0x200008000, reserved, regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200000000, 0x200004000, reserved, regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	changed := m.Update(0x200000000, 0x200008000, func(attrs *regions.Attributes) {
		if attrs.Kind != regions.KindReserved {
			attrs.Protection = regions.ProtCPURead
		}
	}, true)
	require.Zero(t, changed)
	require.Equal(t, 2, m.Count())

	first, err := m.Query(0x200000000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200004000), first.End)
}

func TestNoCoalesce(t *testing.T) {
	m := newMap(modern)
	attrs := flexible(regions.ProtCPURead)
	attrs.NoCoalesce = true

	_, err := m.Insert(0x200000000, 0x200004000, attrs, regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200004000, 0x200008000, attrs, regions.NoOverwrite)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())
}

func TestNoOverwriteFailsOnPartialOverlap(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200004000, 0x200008000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)

	_, err = m.Insert(0x200000000, 0x200010000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.True(t, errors.Is(err, regions.ErrAlreadyMapped))
	require.Equal(t, memutils.KindOutOfMemory, memutils.KindOf(err))
	require.Equal(t, 1, m.Count())
}

func TestOverwriteReturnsRemovedPieces(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200010000, direct(0x100000), regions.NoOverwrite)
	require.NoError(t, err)

	removed, err := m.Insert(0x200004000, 0x200008000, flexible(regions.ProtCPURead), regions.AllowOverwrite)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, uint64(0x200004000), removed[0].Start)
	require.Equal(t, uint64(0x200008000), removed[0].End)
	require.Equal(t, uint64(0x104000), removed[0].Offset)

	require.Equal(t, 3, m.Count())
	tail, err := m.Query(0x200008000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x108000), tail.Offset)
	require.NoError(t, m.Validate())
}

func TestInsertRejectsBadRanges(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200000000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.Equal(t, memutils.KindInvalidArgument, memutils.KindOf(err))

	_, err = m.Insert(0x200001000, 0x200004000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.Equal(t, memutils.KindInvalidArgument, memutils.KindOf(err))

	_, err = m.Insert(0xffffffc000, 0x10000004000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.True(t, errors.Is(err, regions.ErrOutOfRange))
}

func TestFindFree(t *testing.T) {
	m := newMap(modern)

	addr, err := m.FindFree(0x200000000, 0x8000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200000000), addr)

	_, err = m.Insert(0x200000000, 0x200008000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x20000c000, 0x200010000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)

	addr, err = m.FindFree(0x200000000, 0x4000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200008000), addr)

	addr, err = m.FindFree(0x200000000, 0x8000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200010000), addr)

	addr, err = m.FindFree(0x200000000, 0x4000, 0x20000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200020000), addr)

	addr, err = m.FindFree(0x200006000, 0x4000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200008000), addr)

	_, err = m.FindFree(0xfffffc000, 0x10000000000, 0)
	require.True(t, errors.Is(err, regions.ErrNoFreeRange))
}

func TestRemoveSplitsBoundaries(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200010000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)

	removed := m.Remove(0x200004000, 0x200008000)
	require.Len(t, removed, 1)
	require.Equal(t, uint64(0x4000), removed[0].Size())
	require.Equal(t, 2, m.Count())

	_, err = m.Query(0x200004000)
	require.True(t, errors.Is(err, regions.ErrNoMapping))
	require.Equal(t, memutils.KindAccessDenied, memutils.KindOf(err))

	next, err := m.QueryNext(0x200004000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200008000), next.Start)

	require.False(t, m.Covered(0x200000000, 0x200010000))
	require.True(t, m.Covered(0x200008000, 0x200010000))
}

func TestUpdateSplitsOnlyChangedRegions(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200010000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)

	changed := m.Update(0x200004000, 0x200008000, func(attrs *regions.Attributes) {
		attrs.Protection = regions.ProtCPURead
	}, true)
	require.Zero(t, changed)
	require.Equal(t, 1, m.Count())

	changed = m.Update(0x200004000, 0x200008000, func(attrs *regions.Attributes) {
		attrs.Protection = regions.ProtCPUReadWrite
	}, true)
	require.Equal(t, uint64(0x4000), changed)
	require.Equal(t, 3, m.Count())

	changed = m.Update(0x200000000, 0x200010000, func(attrs *regions.Attributes) {
		attrs.Protection = regions.ProtCPUReadWrite
	}, true)
	// Only [0x200000000, 0x200004000) and [0x200008000, 0x200010000) were still read-only
	require.Equal(t, uint64(0xc000), changed)
	require.Equal(t, 1, m.Count())
}

func TestUpdateWithoutCoalesce(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200004000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)
	named := flexible(regions.ProtCPURead)
	named.Name = "a"
	_, err = m.Insert(0x200004000, 0x200008000, named, regions.NoOverwrite)
	require.NoError(t, err)

	m.Update(0x200000000, 0x200004000, func(attrs *regions.Attributes) {
		attrs.Name = "a"
	}, false)
	require.Equal(t, 2, m.Count())

	m.Update(0x200000000, 0x200008000, func(attrs *regions.Attributes) {
		attrs.Name = "a"
	}, true)
	require.Equal(t, 1, m.Count())
}

func TestVisitClipsRegions(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200010000, direct(0x40000), regions.NoOverwrite)
	require.NoError(t, err)

	var visited []regions.Region
	require.NoError(t, m.Visit(0x200008000, 0x200020000, func(region regions.Region) error {
		visited = append(visited, region)
		return nil
	}))
	require.Len(t, visited, 1)
	require.Equal(t, uint64(0x200008000), visited[0].Start)
	require.Equal(t, uint64(0x48000), visited[0].Offset)
	require.Equal(t, 1, m.Count())
}

func TestStatisticsAndPrint(t *testing.T) {
	m := newMap(modern)

	_, err := m.Insert(0x200000000, 0x200004000, regions.Attributes{Kind: regions.KindReserved}, regions.NoOverwrite)
	require.NoError(t, err)
	_, err = m.Insert(0x200008000, 0x200010000, flexible(regions.ProtCPURead), regions.NoOverwrite)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)
	require.Equal(t, 2, stats.RegionCount)
	require.Equal(t, uint64(0xc000), stats.RegionBytes)
	require.Equal(t, uint64(0x8000), stats.CommittedBytes)
	require.Equal(t, 1, stats.GapCount)
	require.Equal(t, uint64(0x4000), stats.GapSizeMax)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	m.PrintDetailedMap(obj)
	obj.End()
	require.NoError(t, writer.Error())
	require.Contains(t, string(writer.Bytes()), `"Start":"0x200008000"`)
	require.Contains(t, string(writer.Bytes()), `"Kind":"Reserved"`)
}

func TestProtectionNormalize(t *testing.T) {
	require.Equal(t, regions.ProtCPUReadWrite, regions.ProtCPUWrite.Normalize())
	require.Equal(t, regions.ProtGPURead, (regions.ProtGPURead | 0x8).Normalize())
	require.False(t, regions.Protection(0x8).Valid())
	require.True(t, regions.ProtAll.Valid())
	require.Equal(t, regions.Protection(0x37), regions.ProtAll)
}
