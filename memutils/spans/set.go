package spans

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// Span is a half-open range of addresses [Start, End)
type Span struct {
	Start uint64
	End   uint64
}

func (s Span) Size() uint64 { return s.End - s.Start }

func compareSpanStart(s Span, addr uint64) int {
	if s.End <= addr {
		return -1
	}
	if s.Start > addr {
		return 1
	}
	return 0
}

// Set is an ordered collection of disjoint spans. Adjacent spans are merged as they are added.
type Set struct {
	spans []Span
}

// Spans returns a copy of the spans in ascending order
func (s *Set) Spans() []Span {
	return slices.Clone(s.spans)
}

func (s *Set) Len() int { return len(s.spans) }

// Size returns the number of addresses covered by the set
func (s *Set) Size() uint64 {
	var size uint64
	for _, span := range s.spans {
		size += span.Size()
	}
	return size
}

// Add inserts [start, end) into the set. It fails if any part of the range is already present.
func (s *Set) Add(start, end uint64) error {
	if start >= end {
		return errors.Newf("span [%#x, %#x) is empty", start, end)
	}

	index, _ := slices.BinarySearchFunc(s.spans, start, compareSpanStart)
	if index < len(s.spans) && s.spans[index].Start < end {
		return errors.Newf("span [%#x, %#x) overlaps [%#x, %#x)", start, end, s.spans[index].Start, s.spans[index].End)
	}

	mergePrev := index > 0 && s.spans[index-1].End == start
	mergeNext := index < len(s.spans) && s.spans[index].Start == end

	switch {
	case mergePrev && mergeNext:
		s.spans[index-1].End = s.spans[index].End
		s.spans = slices.Delete(s.spans, index, index+1)
	case mergePrev:
		s.spans[index-1].End = end
	case mergeNext:
		s.spans[index].Start = start
	default:
		s.spans = slices.Insert(s.spans, index, Span{Start: start, End: end})
	}

	return nil
}

// Take removes up to size addresses from the set, lowest addresses first, and returns the spans removed.
// It fails without modifying the set if fewer than size addresses are present.
func (s *Set) Take(size uint64) ([]Span, error) {
	if s.Size() < size {
		return nil, errors.Newf("set holds %#x bytes, %#x requested", s.Size(), size)
	}

	var taken []Span
	for size > 0 {
		head := &s.spans[0]
		chunk := head.Size()
		if chunk > size {
			chunk = size
		}

		taken = append(taken, Span{Start: head.Start, End: head.Start + chunk})
		head.Start += chunk
		size -= chunk

		if head.Start == head.End {
			s.spans = slices.Delete(s.spans, 0, 1)
		}
	}

	return taken, nil
}

// Contains reports whether every address in [start, end) is present in the set
func (s *Set) Contains(start, end uint64) bool {
	index, found := slices.BinarySearchFunc(s.spans, start, compareSpanStart)
	return found && s.spans[index].End >= end
}

// Remove deletes every address in [start, end) from the set. Addresses that are not present are ignored.
func (s *Set) Remove(start, end uint64) {
	index, _ := slices.BinarySearchFunc(s.spans, start, compareSpanStart)

	for index < len(s.spans) && s.spans[index].Start < end {
		span := s.spans[index]

		var pieces []Span
		if span.Start < start {
			pieces = append(pieces, Span{Start: span.Start, End: start})
		}
		if span.End > end {
			pieces = append(pieces, Span{Start: end, End: span.End})
		}

		s.spans = slices.Delete(s.spans, index, index+1)
		s.spans = slices.Insert(s.spans, index, pieces...)
		index += len(pieces)
	}
}

func (s *Set) Validate() error {
	for i := 0; i < len(s.spans); i++ {
		if s.spans[i].Start >= s.spans[i].End {
			return errors.Errorf("span %d [%#x, %#x) is empty", i, s.spans[i].Start, s.spans[i].End)
		}

		if i > 0 && s.spans[i-1].End >= s.spans[i].Start {
			return errors.Errorf("span %d at %#x is not strictly after the span ending at %#x", i, s.spans[i].Start, s.spans[i-1].End)
		}
	}

	return nil
}
