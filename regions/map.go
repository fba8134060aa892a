package regions

import (
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// OverwritePolicy decides what Insert does when the target range is already partly mapped
type OverwritePolicy uint8

const (
	// AllowOverwrite removes whatever is mapped in the target range before inserting
	AllowOverwrite OverwritePolicy = iota
	// NoOverwrite fails the insertion if anything is mapped in the target range
	NoOverwrite
)

var (
	ErrAlreadyMapped = memutils.NewSentinel("range is already mapped", memutils.ErrOutOfMemory)
	ErrNoMapping     = memutils.NewSentinel("no region contains the address", memutils.ErrAccessDenied)
	ErrOutOfRange    = memutils.NewSentinel("range is outside the address space", memutils.ErrInvalidArgument)
	ErrNoFreeRange   = memutils.NewSentinel("no free range is large enough", memutils.ErrOutOfMemory)
)

var regionAllocator = sync.Pool{
	New: func() any {
		return &Region{}
	},
}

// Map is the ordered ledger of virtual regions of one address space. Regions never overlap, and
// every mutation leaves them sorted by address. Map is not safe for concurrent use.
type Map struct {
	logger   *slog.Logger
	pageSize uint64
	limit    uint64
	policy   CoalescePolicy

	regions []*Region
}

// New creates an empty map. limit is the exclusive upper bound of the address space, and policy
// decides which committed regions may merge.
func New(logger *slog.Logger, pageSize, limit uint64, policy CoalescePolicy) *Map {
	memutils.DebugCheckPow2(pageSize, "pageSize")

	return &Map{
		logger:   logger,
		pageSize: pageSize,
		limit:    limit,
		policy:   policy,
	}
}

func (m *Map) allocateRegion(start, end uint64, attrs Attributes) *Region {
	r := regionAllocator.Get().(*Region)
	r.Start = start
	r.End = end
	r.Attributes = attrs
	return r
}

func (m *Map) freeRegion(r *Region) {
	r.Attributes = Attributes{}
	regionAllocator.Put(r)
}

func compareRegionEnd(r *Region, addr uint64) int {
	if r.End <= addr {
		return -1
	}
	return 1
}

// indexAfter returns the index of the first region that ends after addr
func (m *Map) indexAfter(addr uint64) int {
	index, _ := slices.BinarySearchFunc(m.regions, addr, compareRegionEnd)
	return index
}

// Limit returns the exclusive upper bound of the address space
func (m *Map) Limit() uint64 { return m.limit }

// Count returns the number of regions in the map
func (m *Map) Count() int { return len(m.regions) }

func (m *Map) checkRange(start, end uint64) error {
	if start >= end {
		return errors.Wrapf(memutils.ErrInvalidArgument, "range [%#x, %#x) is empty", start, end)
	}
	err := memutils.CheckAligned(start, m.pageSize, "start")
	if err != nil {
		return err
	}
	err = memutils.CheckAligned(end, m.pageSize, "end")
	if err != nil {
		return err
	}
	if end > m.limit {
		return errors.Wrapf(ErrOutOfRange, "range [%#x, %#x) ends past %#x", start, end, m.limit)
	}
	return nil
}

// Overlaps reports whether any region intersects [start, end)
func (m *Map) Overlaps(start, end uint64) bool {
	index := m.indexAfter(start)
	return index < len(m.regions) && m.regions[index].Start < end
}

// Insert creates a region over [start, end). Whatever was mapped in the range before is removed
// and returned, clipped to the range, so the caller can release what backed it. With NoOverwrite,
// any overlap fails the call with ErrAlreadyMapped and the map is left unchanged.
func (m *Map) Insert(start, end uint64, attrs Attributes, overwrite OverwritePolicy) ([]Region, error) {
	err := m.checkRange(start, end)
	if err != nil {
		return nil, err
	}

	if overwrite == NoOverwrite && m.Overlaps(start, end) {
		existing := m.regions[m.indexAfter(start)]
		return nil, errors.Wrapf(ErrAlreadyMapped, "range [%#x, %#x) overlaps %s region [%#x, %#x)", start, end, existing.Kind, existing.Start, existing.End)
	}

	removed := m.Remove(start, end)

	index := m.indexAfter(start)
	region := m.allocateRegion(start, end, attrs)
	m.regions = slices.Insert(m.regions, index, region)

	// Plain reservations only ever extend their left neighbour
	if attrs.Kind != KindReserved || attrs.Shared {
		m.tryMerge(index)
	}
	if index > 0 {
		m.tryMerge(index - 1)
	}

	memutils.DebugValidate(m)
	return removed, nil
}

// tryMerge merges the region at index with the one after it if the policy allows
func (m *Map) tryMerge(index int) bool {
	if index < 0 || index+1 >= len(m.regions) {
		return false
	}

	left := m.regions[index]
	right := m.regions[index+1]
	if !m.policy.canMerge(left, right) {
		return false
	}

	left.End = right.End
	m.regions = slices.Delete(m.regions, index+1, index+2)
	m.freeRegion(right)
	return true
}

// Split divides the region strictly containing addr into two regions with the same attributes.
// It reports whether a region was split.
func (m *Map) Split(addr uint64) bool {
	index := m.indexAfter(addr)
	if index >= len(m.regions) {
		return false
	}

	left := m.regions[index]
	if left.Start >= addr {
		return false
	}

	right := m.allocateRegion(addr, left.End, left.Attributes)
	right.Offset = left.OffsetAt(addr)
	left.End = addr
	m.regions = slices.Insert(m.regions, index+1, right)
	return true
}

// Remove deletes all coverage of [start, end) and returns the removed pieces in ascending order
func (m *Map) Remove(start, end uint64) []Region {
	m.Split(start)
	m.Split(end)

	first := m.indexAfter(start)
	last := first
	var removed []Region
	for ; last < len(m.regions) && m.regions[last].Start < end; last++ {
		removed = append(removed, *m.regions[last])
		m.freeRegion(m.regions[last])
	}

	m.regions = slices.Delete(m.regions, first, last)
	return removed
}

// FindFree returns the lowest address at or above base, aligned to alignment, that starts a gap
// of at least length bytes below the limit of the map
func (m *Map) FindFree(base, length, alignment uint64) (uint64, error) {
	alignment = memutils.Max(alignment, m.pageSize)
	candidate := memutils.AlignUp(base, alignment)
	index := m.indexAfter(candidate)

	for {
		if candidate < base || candidate+length < candidate || candidate+length > m.limit {
			return 0, errors.Wrapf(ErrNoFreeRange, "no gap of %#x bytes above %#x", length, base)
		}

		if index >= len(m.regions) || candidate+length <= m.regions[index].Start {
			return candidate, nil
		}

		candidate = memutils.AlignUp(m.regions[index].End, alignment)
		for index < len(m.regions) && m.regions[index].End <= candidate {
			index++
		}
	}
}

// Query returns the region containing addr
func (m *Map) Query(addr uint64) (Region, error) {
	index := m.indexAfter(addr)
	if index >= len(m.regions) || m.regions[index].Start > addr {
		return Region{}, errors.Wrapf(ErrNoMapping, "address %#x", addr)
	}

	return *m.regions[index], nil
}

// QueryNext returns the region containing addr or, if there is none, the first region above it
func (m *Map) QueryNext(addr uint64) (Region, error) {
	index := m.indexAfter(addr)
	if index >= len(m.regions) {
		return Region{}, errors.Wrapf(ErrNoMapping, "no region at or above %#x", addr)
	}

	return *m.regions[index], nil
}

// Covered reports whether every address of [start, end) belongs to some region
func (m *Map) Covered(start, end uint64) bool {
	next := start
	for index := m.indexAfter(start); index < len(m.regions) && next < end; index++ {
		if m.regions[index].Start > next {
			return false
		}
		next = m.regions[index].End
	}
	return next >= end
}

// Visit calls visitor with every region intersecting [start, end), clipped to the range. Returning
// an error from visitor stops the walk and returns that error.
func (m *Map) Visit(start, end uint64, visitor func(region Region) error) error {
	for index := m.indexAfter(start); index < len(m.regions) && m.regions[index].Start < end; index++ {
		err := visitor(m.regions[index].Clip(start, end))
		if err != nil {
			return err
		}
	}
	return nil
}

// Regions returns a copy of every region in ascending order
func (m *Map) Regions() []Region {
	regions := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		regions = append(regions, *r)
	}
	return regions
}

// Update applies mutate to the attributes of every region intersecting [start, end). Regions are
// only split at the range boundaries when mutate actually changes them, so an update that changes
// nothing leaves the boundaries alone. mutate may be called more than once per region and must
// depend on nothing but the attributes it receives. When coalesce is set, merging is retried over
// the whole range afterward. Update returns the number of bytes whose attributes changed.
func (m *Map) Update(start, end uint64, mutate func(attrs *Attributes), coalesce bool) uint64 {
	var changed uint64

	for index := m.indexAfter(start); index < len(m.regions) && m.regions[index].Start < end; index++ {
		region := m.regions[index]
		attrs := region.Attributes
		mutate(&attrs)
		if attrs == region.Attributes {
			continue
		}

		if region.Start < start {
			m.Split(start)
			index++
			region = m.regions[index]
		}
		if region.End > end {
			m.Split(end)
		}

		mutate(&region.Attributes)
		changed += region.Size()
	}

	if coalesce {
		m.coalesceRange(start, end)
	}

	memutils.DebugValidate(m)
	return changed
}

func (m *Map) coalesceRange(start, end uint64) {
	index := m.indexAfter(start) - 1
	if index < 0 {
		index = 0
	}

	for index+1 < len(m.regions) && m.regions[index+1].Start <= end {
		// Plain reservations keep the boundaries Insert gave them
		left := m.regions[index]
		if left.Kind == KindReserved && !left.Shared {
			index++
			continue
		}
		if !m.tryMerge(index) {
			index++
		}
	}
}

// Validate checks that regions are ordered, disjoint, page aligned and inside the address space
func (m *Map) Validate() error {
	var prevEnd uint64
	for index, r := range m.regions {
		if r.Start >= r.End {
			return errors.Errorf("region %d [%#x, %#x) is empty", index, r.Start, r.End)
		}
		if !memutils.IsAligned(r.Start, m.pageSize) || !memutils.IsAligned(r.End, m.pageSize) {
			return errors.Errorf("region %d [%#x, %#x) is not page aligned", index, r.Start, r.End)
		}
		if index > 0 && r.Start < prevEnd {
			return errors.Errorf("region %d [%#x, %#x) overlaps the region ending at %#x", index, r.Start, r.End, prevEnd)
		}
		if r.End > m.limit {
			return errors.Errorf("region %d [%#x, %#x) ends past the limit %#x", index, r.Start, r.End, m.limit)
		}
		if r.Kind == KindReserved && (r.Protection != ProtNone || r.MaxProtection != ProtNone || r.Committed) {
			return errors.Errorf("reserved region [%#x, %#x) has protection %s", r.Start, r.End, r.Protection)
		}
		if r.Protection&^r.MaxProtection != 0 {
			return errors.Errorf("region [%#x, %#x) has protection %s beyond its maximum %s", r.Start, r.End, r.Protection, r.MaxProtection)
		}
		prevEnd = r.End
	}

	return nil
}

// AddDetailedStatistics adds every region and every gap between regions to stats
func (m *Map) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for index, r := range m.regions {
		if index > 0 && m.regions[index-1].End < r.Start {
			stats.AddGap(r.Start - m.regions[index-1].End)
		}
		stats.AddRegion(r.Size(), r.Committed)
	}
}

// DebugLogAllRegions writes every region to the map's logger at debug level
func (m *Map) DebugLogAllRegions() {
	for _, r := range m.regions {
		m.logger.Debug("Map::DebugLogAllRegions",
			slog.String("Start", fmt.Sprintf("%#x", r.Start)),
			slog.String("End", fmt.Sprintf("%#x", r.End)),
			slog.String("Kind", r.Kind.String()),
			slog.String("Protection", r.Protection.String()),
			slog.String("Name", r.Name),
		)
	}
}

// TotalSize returns the number of addresses covered by regions
func (m *Map) TotalSize() uint64 {
	var size uint64
	for _, r := range m.regions {
		size += r.Size()
	}
	return size
}

var _ memutils.Validatable = &Map{}

// fullRange is used to visit every region
const fullRange = math.MaxUint64
