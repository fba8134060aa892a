package dmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/memutils/spans"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const (
	// MaxMemoryType is the highest memory type tag an extent may carry
	MaxMemoryType int32 = 10
	// ReadOnlyMemoryType is the memory type that can never be written or executed
	ReadOnlyMemoryType int32 = 10

	// maxAlignment is the exclusive upper bound for allocation alignments
	maxAlignment uint64 = 0x100000000
)

var (
	ErrNotAllocated = memutils.NewSentinel("physical range is not allocated", memutils.ErrNotFound)
	ErrNotMappable  = memutils.NewSentinel("physical range cannot be mapped", memutils.ErrAccessDenied)
	ErrNoFreeRange  = memutils.NewSentinel("no free physical range in the window", memutils.ErrOutOfMemory)
)

// Extent is a run of allocated physical memory [Start, End) sharing one memory type
type Extent struct {
	Start  uint64
	End    uint64
	Type   int32
	Pooled bool
}

func (e Extent) Size() uint64 { return e.End - e.Start }

func compareExtentEnd(e Extent, addr uint64) int {
	if e.End <= addr {
		return -1
	}
	return 1
}

// Allocator is the ledger of allocated direct memory. It knows nothing about virtual mappings
// apart from a per-page reference count the mapping layer maintains. Allocator is not safe for
// concurrent use.
type Allocator struct {
	logger   *slog.Logger
	size     uint64
	pageSize uint64

	extents    []Extent
	references spans.Counter
}

func New(logger *slog.Logger, size, pageSize uint64) *Allocator {
	memutils.DebugCheckPow2(pageSize, "pageSize")

	return &Allocator{
		logger:   logger,
		size:     memutils.AlignDown(size, pageSize),
		pageSize: pageSize,
	}
}

// Size returns the number of bytes of physical memory the allocator manages
func (a *Allocator) Size() uint64 { return a.size }

func (a *Allocator) indexAfter(addr uint64) int {
	index, _ := slices.BinarySearchFunc(a.extents, addr, compareExtentEnd)
	return index
}

// split guarantees that no extent strictly contains addr
func (a *Allocator) split(addr uint64) {
	index := a.indexAfter(addr)
	if index >= len(a.extents) || a.extents[index].Start >= addr {
		return
	}

	right := a.extents[index]
	right.Start = addr
	a.extents[index].End = addr
	a.extents = slices.Insert(a.extents, index+1, right)
}

func (a *Allocator) canMerge(left, right Extent) bool {
	return left.End == right.Start && left.Type == right.Type && !left.Pooled && !right.Pooled
}

func checkMemoryType(memType int32) error {
	if memType < 0 || memType > MaxMemoryType {
		return errors.Wrapf(memutils.ErrInvalidArgument, "memory type %d is outside [0, %d]", memType, MaxMemoryType)
	}
	return nil
}

func (a *Allocator) checkAllocationParameters(size, alignment uint64) error {
	if size == 0 {
		return errors.Wrap(memutils.ErrInvalidArgument, "size is zero")
	}
	err := memutils.CheckAligned(size, a.pageSize, "size")
	if err != nil {
		return err
	}
	err = memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return err
	}
	err = memutils.CheckAligned(alignment, a.pageSize, "alignment")
	if err != nil {
		return err
	}
	if alignment >= maxAlignment {
		return errors.Wrapf(memutils.ErrInvalidArgument, "alignment %#x is too large", alignment)
	}
	return nil
}

// Allocate carves size bytes out of the first free gap inside [searchStart, searchEnd) whose start,
// aligned up, still fits the allocation. searchEnd is clipped to the size of physical memory. The
// new extent merges with neighbors of the same type.
func (a *Allocator) Allocate(searchStart, searchEnd int64, size, alignment uint64, memType int32) (uint64, error) {
	return a.allocate(searchStart, searchEnd, size, alignment, memType, false)
}

// AllocatePooled is Allocate for memory that is handed to a memory pool. Pooled extents never merge.
func (a *Allocator) AllocatePooled(searchStart, searchEnd int64, size, alignment uint64) (uint64, error) {
	return a.allocate(searchStart, searchEnd, size, alignment, 0, true)
}

func (a *Allocator) allocate(searchStart, searchEnd int64, size, alignment uint64, memType int32, pooled bool) (uint64, error) {
	if searchStart < 0 || searchEnd < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "search window [%#x, %#x) is negative", searchStart, searchEnd)
	}

	err := a.checkAllocationParameters(size, alignment)
	if err != nil {
		return 0, err
	}

	err = checkMemoryType(memType)
	if err != nil {
		return 0, err
	}

	start := uint64(searchStart)
	end := memutils.Min(uint64(searchEnd), a.size)
	if end <= start || end < size || end-size < start {
		return 0, errors.Wrapf(memutils.ErrTryAgain, "window [%#x, %#x) cannot hold %#x bytes", start, end, size)
	}

	start = memutils.AlignUp(start, a.pageSize)
	alignment = memutils.Max(alignment, a.pageSize)

	gapStart := uint64(0)
	for index := 0; index <= len(a.extents); index++ {
		gapEnd := a.size
		if index < len(a.extents) {
			gapEnd = a.extents[index].Start
		}

		candidate := memutils.AlignUp(memutils.Max(gapStart, start), alignment)
		limit := memutils.Min(gapEnd, end)
		if candidate < limit && limit-candidate >= size {
			a.insert(Extent{Start: candidate, End: candidate + size, Type: memType, Pooled: pooled}, index)
			memutils.DebugValidate(a)
			return candidate, nil
		}

		if gapEnd >= end {
			break
		}
		if index < len(a.extents) {
			gapStart = a.extents[index].End
		}
	}

	return 0, errors.Wrapf(memutils.ErrTryAgain, "no free range of %#x bytes aligned to %#x in [%#x, %#x)", size, alignment, start, end)
}

func (a *Allocator) insert(extent Extent, index int) {
	a.extents = slices.Insert(a.extents, index, extent)

	if index+1 < len(a.extents) && a.canMerge(a.extents[index], a.extents[index+1]) {
		a.extents[index].End = a.extents[index+1].End
		a.extents = slices.Delete(a.extents, index+1, index+2)
	}
	if index > 0 && a.canMerge(a.extents[index-1], a.extents[index]) {
		a.extents[index-1].End = a.extents[index].End
		a.extents = slices.Delete(a.extents, index, index+1)
	}
}

// Covered reports whether every page of [start, end) is allocated
func (a *Allocator) Covered(start, end uint64) bool {
	next := start
	for index := a.indexAfter(start); index < len(a.extents) && next < end; index++ {
		if a.extents[index].Start > next {
			return false
		}
		next = a.extents[index].End
	}
	return next >= end
}

// Release frees the allocated parts of [start, start+size) and returns the freed extents. When
// checked is set, the whole range must be allocated or nothing is freed and ErrNotAllocated is
// returned.
func (a *Allocator) Release(start, size uint64, checked bool) ([]Extent, error) {
	err := memutils.CheckAligned(start, a.pageSize, "start")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckAligned(size, a.pageSize, "size")
	if err != nil {
		return nil, err
	}

	end := start + size
	if end < start {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "range at %#x of %#x bytes wraps", start, size)
	}

	if checked && !a.Covered(start, end) {
		return nil, errors.Wrapf(ErrNotAllocated, "range [%#x, %#x) is not fully allocated", start, end)
	}

	if size == 0 {
		return nil, nil
	}

	a.split(start)
	a.split(end)

	first := a.indexAfter(start)
	last := first
	var freed []Extent
	for ; last < len(a.extents) && a.extents[last].Start < end; last++ {
		freed = append(freed, a.extents[last])
	}
	a.extents = slices.Delete(a.extents, first, last)

	memutils.DebugValidate(a)
	return freed, nil
}

// Retype changes the memory type of [start, end), which must be fully allocated. The retyped
// extents never merge with their neighbors.
func (a *Allocator) Retype(start, end uint64, memType int32) error {
	err := checkMemoryType(memType)
	if err != nil {
		return err
	}

	if !a.Covered(start, end) {
		return errors.Wrapf(ErrNotAllocated, "range [%#x, %#x) is not fully allocated", start, end)
	}

	a.split(start)
	a.split(end)

	for index := a.indexAfter(start); index < len(a.extents) && a.extents[index].Start < end; index++ {
		a.extents[index].Type = memType
	}

	memutils.DebugValidate(a)
	return nil
}

// Query returns the extent containing addr
func (a *Allocator) Query(addr uint64) (Extent, error) {
	index := a.indexAfter(addr)
	if index >= len(a.extents) || a.extents[index].Start > addr {
		return Extent{}, errors.Wrapf(ErrNotAllocated, "physical address %#x", addr)
	}
	return a.extents[index], nil
}

// QueryNext returns the extent containing addr or the first extent above it
func (a *Allocator) QueryNext(addr uint64) (Extent, error) {
	index := a.indexAfter(addr)
	if index >= len(a.extents) {
		return Extent{}, errors.Wrapf(ErrNotAllocated, "no extent at or above %#x", addr)
	}
	return a.extents[index], nil
}

// Visit calls visitor with every extent intersecting [start, end), clipped to the range
func (a *Allocator) Visit(start, end uint64, visitor func(extent Extent) error) error {
	for index := a.indexAfter(start); index < len(a.extents) && a.extents[index].Start < end; index++ {
		extent := a.extents[index]
		extent.Start = memutils.Max(extent.Start, start)
		extent.End = memutils.Min(extent.End, end)

		err := visitor(extent)
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckMappable verifies that [start, end) is fully allocated and that its pooled state matches
// pooled. Pool memory can only be mapped through its pool.
func (a *Allocator) CheckMappable(start, end uint64, pooled bool) error {
	if !a.Covered(start, end) {
		return errors.Wrapf(ErrNotMappable, "range [%#x, %#x) is not fully allocated", start, end)
	}

	return a.Visit(start, end, func(extent Extent) error {
		if extent.Pooled != pooled {
			return errors.Wrapf(ErrNotMappable, "range [%#x, %#x) belongs to a memory pool", extent.Start, extent.End)
		}
		return nil
	})
}

// Available returns the largest free range inside [start, end). start is aligned up to alignment,
// or to the page size if that is larger, but end is used as given.
func (a *Allocator) Available(start, end, alignment uint64) (uint64, uint64, error) {
	if alignment&(alignment-1) != 0 {
		return 0, 0, errors.Wrapf(memutils.PowerOfTwoError, "alignment is %#x", alignment)
	}

	alignment = memutils.Max(alignment, a.pageSize)
	end = memutils.Min(end, a.size)

	var bestStart, bestSize uint64
	gapStart := uint64(0)
	for index := 0; index <= len(a.extents); index++ {
		gapEnd := a.size
		if index < len(a.extents) {
			gapEnd = a.extents[index].Start
		}

		candidate := memutils.AlignUp(memutils.Max(gapStart, start), alignment)
		limit := memutils.Min(gapEnd, end)
		if candidate < limit && limit-candidate > bestSize {
			bestStart = candidate
			bestSize = limit - candidate
		}

		if index < len(a.extents) {
			gapStart = a.extents[index].End
		}
	}

	if bestSize == 0 {
		return 0, 0, errors.Wrapf(ErrNoFreeRange, "[%#x, %#x)", start, end)
	}
	return bestStart, bestSize, nil
}

// Allocated returns the number of allocated bytes
func (a *Allocator) Allocated() uint64 {
	var total uint64
	for _, extent := range a.extents {
		total += extent.Size()
	}
	return total
}

// Extents returns a copy of every extent in ascending order
func (a *Allocator) Extents() []Extent {
	return slices.Clone(a.extents)
}

// Reference records one more virtual mapping of [start, end)
func (a *Allocator) Reference(start, end uint64) {
	a.references.Add(start, end, 1)
}

// Unreference drops one virtual mapping of [start, end)
func (a *Allocator) Unreference(start, end uint64) {
	a.references.Add(start, end, -1)
}

// Referenced reports whether any page of [start, end) is currently mapped
func (a *Allocator) Referenced(start, end uint64) bool {
	return a.references.Any(start, end)
}

// MaxReferences returns the highest number of mappings of any page of [start, end)
func (a *Allocator) MaxReferences(start, end uint64) int {
	return a.references.Max(start, end)
}

// Validate checks that extents are ordered, disjoint, page aligned and inside physical memory,
// and that only allocated memory is referenced
func (a *Allocator) Validate() error {
	var prevEnd uint64
	for index, extent := range a.extents {
		if extent.Start >= extent.End {
			return errors.Errorf("extent %d [%#x, %#x) is empty", index, extent.Start, extent.End)
		}
		if !memutils.IsAligned(extent.Start, a.pageSize) || !memutils.IsAligned(extent.End, a.pageSize) {
			return errors.Errorf("extent %d [%#x, %#x) is not page aligned", index, extent.Start, extent.End)
		}
		if index > 0 && extent.Start < prevEnd {
			return errors.Errorf("extent %d [%#x, %#x) overlaps the extent ending at %#x", index, extent.Start, extent.End, prevEnd)
		}
		if extent.End > a.size {
			return errors.Errorf("extent %d [%#x, %#x) is past the end of physical memory", index, extent.Start, extent.End)
		}
		if extent.Type < 0 || extent.Type > MaxMemoryType {
			return errors.Errorf("extent %d has invalid memory type %d", index, extent.Type)
		}
		prevEnd = extent.End
	}

	return a.references.Validate()
}

// AddDetailedStatistics adds every extent and every free range between extents to stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	var prevEnd uint64
	for _, extent := range a.extents {
		if extent.Start > prevEnd {
			stats.AddGap(extent.Start - prevEnd)
		}
		stats.AddRegion(extent.Size(), true)
		prevEnd = extent.End
	}
	if prevEnd < a.size {
		stats.AddGap(a.size - prevEnd)
	}
}

// DebugLogAllExtents writes every extent to the allocator's logger at debug level
func (a *Allocator) DebugLogAllExtents() {
	for _, extent := range a.extents {
		a.logger.Debug("Allocator::DebugLogAllExtents",
			slog.String("Start", fmt.Sprintf("%#x", extent.Start)),
			slog.String("End", fmt.Sprintf("%#x", extent.End)),
			slog.Int("Type", int(extent.Type)),
			slog.Bool("Pooled", extent.Pooled),
		)
	}
}

var _ memutils.Validatable = &Allocator{}
