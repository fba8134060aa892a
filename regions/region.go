package regions

import (
	"github.com/vkngwrapper/orbismem/budget"
)

// Kind is the kind of memory backing a virtual region
type Kind uint8

const (
	// KindReserved regions claim address space without any backing or protection
	KindReserved Kind = iota
	// KindFlexible regions are anonymous memory drawn from a budget
	KindFlexible
	// KindDirect regions map allocated physical memory
	KindDirect
	// KindPooled regions belong to a memory pool, committed or not
	KindPooled
	// KindFile regions map a regular file
	KindFile
	// KindDevice regions map a device node
	KindDevice
)

var kindMapping = map[Kind]string{
	KindReserved: "Reserved",
	KindFlexible: "Flexible",
	KindDirect:   "Direct",
	KindPooled:   "Pooled",
	KindFile:     "File",
	KindDevice:   "Device",
}

func (k Kind) String() string {
	return kindMapping[k]
}

// HasOffset reports whether regions of this kind carry a backing offset that advances with the
// virtual address
func (k Kind) HasOffset() bool {
	return k == KindDirect || k == KindPooled || k == KindFile || k == KindDevice
}

// IsPhysical reports whether regions of this kind are backed by direct memory
func (k Kind) IsPhysical() bool {
	return k == KindDirect || k == KindPooled
}

// Attributes is everything about a region other than its bounds. Two adjacent regions can only
// be merged when their attributes are equal.
type Attributes struct {
	Kind          Kind
	Protection    Protection
	MaxProtection Protection
	// MemoryType is the direct memory type tag of the backing physical memory
	MemoryType int32
	// Offset is the physical address of the first byte for direct and pooled regions, and the file
	// offset for file and device regions
	Offset uint64
	Shared bool
	// Committed is false for reserved regions and uncommitted pool reservations
	Committed  bool
	Stack      bool
	NoCoalesce bool
	Name       string
	Budget     budget.Kind
	// Backing identifies the file or device a file region maps. It must be comparable.
	Backing any
	// CallSite identifies the mapping call that created the region
	CallSite uint64
}

// Region is a maximal run of virtual addresses [Start, End) sharing the same attributes
type Region struct {
	Start uint64
	End   uint64
	Attributes
}

func (r *Region) Size() uint64 {
	return r.End - r.Start
}

// Contains reports whether addr lies inside the region
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// OffsetAt returns the backing offset of addr, which must be inside the region
func (r *Region) OffsetAt(addr uint64) uint64 {
	if !r.Kind.HasOffset() {
		return 0
	}
	return r.Offset + (addr - r.Start)
}

// Clip returns a copy of the region restricted to [start, end), with its offset advanced to match
func (r Region) Clip(start, end uint64) Region {
	if start > r.Start {
		r.Offset = r.OffsetAt(start)
		r.Start = start
	}
	if end < r.End {
		r.End = end
	}
	return r
}

// CoalescePolicy describes which adjacent regions the map may merge beyond the attribute
// equality that is always required
type CoalescePolicy struct {
	// Committed allows regions other than plain reservations to merge
	Committed bool
	// StrictCallSite only allows committed regions created by the same call to merge
	StrictCallSite bool
}

func (p CoalescePolicy) canMerge(left, right *Region) bool {
	if left.End != right.Start {
		return false
	}

	if left.NoCoalesce || right.NoCoalesce {
		return false
	}

	if left.Kind == KindPooled || right.Kind == KindPooled {
		return false
	}

	if left.Attributes.Kind.HasOffset() && left.OffsetAt(left.End-1)+1 != right.Offset {
		return false
	}

	leftAttrs := left.Attributes
	rightAttrs := right.Attributes
	leftAttrs.Offset, rightAttrs.Offset = 0, 0
	leftAttrs.CallSite, rightAttrs.CallSite = 0, 0
	if leftAttrs != rightAttrs {
		return false
	}

	if left.Kind != KindReserved {
		if !p.Committed {
			return false
		}
		if p.StrictCallSite && left.CallSite != right.CallSite {
			return false
		}
	}

	return true
}
