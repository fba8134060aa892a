package spans

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

type countedSpan struct {
	Span
	count int
}

func compareCountedStart(s countedSpan, addr uint64) int {
	return compareSpanStart(s.Span, addr)
}

// Counter tracks a reference count for every address. Addresses with a count of zero are not stored,
// and neighboring spans with equal counts are merged.
type Counter struct {
	spans []countedSpan
}

// split guarantees that a span boundary exists at addr and returns the index of the first span
// starting at or after addr
func (c *Counter) split(addr uint64) int {
	index, found := slices.BinarySearchFunc(c.spans, addr, compareCountedStart)
	if !found || c.spans[index].Start == addr {
		return index
	}

	left := c.spans[index]
	right := left
	left.End = addr
	right.Start = addr
	c.spans[index] = left
	c.spans = slices.Insert(c.spans, index+1, right)
	return index + 1
}

func (c *Counter) mergeAround(index int) {
	if index <= 0 || index >= len(c.spans) {
		return
	}

	prev, next := c.spans[index-1], c.spans[index]
	if prev.End == next.Start && prev.count == next.count {
		c.spans[index-1].End = next.End
		c.spans = slices.Delete(c.spans, index, index+1)
	}
}

// Add adjusts the count of every address in [start, end) by delta. It panics if a count
// would become negative.
func (c *Counter) Add(start, end uint64, delta int) {
	if start >= end || delta == 0 {
		return
	}

	first := c.split(start)
	last := c.split(end)

	var updated []countedSpan
	cursor := start
	for i := first; i < last; i++ {
		span := c.spans[i]
		if cursor < span.Start {
			updated = append(updated, countedSpan{Span: Span{Start: cursor, End: span.Start}, count: delta})
		}
		span.count += delta
		updated = append(updated, span)
		cursor = span.End
	}
	if cursor < end {
		updated = append(updated, countedSpan{Span: Span{Start: cursor, End: end}, count: delta})
	}

	kept := updated[:0]
	for _, span := range updated {
		if span.count < 0 {
			panic(fmt.Sprintf("reference count for [%#x, %#x) went negative", span.Start, span.End))
		}
		if span.count > 0 {
			kept = append(kept, span)
		}
	}

	c.spans = slices.Delete(c.spans, first, last)
	c.spans = slices.Insert(c.spans, first, kept...)

	// Re-merge from the right so indices to the left stay valid
	for i := first + len(kept); i >= first; i-- {
		c.mergeAround(i)
	}
}

// Any reports whether any address in [start, end) has a non-zero count
func (c *Counter) Any(start, end uint64) bool {
	index, _ := slices.BinarySearchFunc(c.spans, start, compareCountedStart)
	return index < len(c.spans) && c.spans[index].Start < end
}

// Max returns the highest count held by any address in [start, end)
func (c *Counter) Max(start, end uint64) int {
	index, _ := slices.BinarySearchFunc(c.spans, start, compareCountedStart)

	highest := 0
	for ; index < len(c.spans) && c.spans[index].Start < end; index++ {
		if c.spans[index].count > highest {
			highest = c.spans[index].count
		}
	}
	return highest
}

// Clear drops every count inside [start, end) regardless of its value
func (c *Counter) Clear(start, end uint64) {
	if start >= end {
		return
	}

	first := c.split(start)
	last := c.split(end)
	c.spans = slices.Delete(c.spans, first, last)
}

func (c *Counter) Validate() error {
	for i := 0; i < len(c.spans); i++ {
		span := c.spans[i]
		if span.Start >= span.End {
			return errors.Errorf("counted span %d [%#x, %#x) is empty", i, span.Start, span.End)
		}
		if span.count <= 0 {
			return errors.Errorf("counted span [%#x, %#x) holds count %d", span.Start, span.End, span.count)
		}
		if i > 0 && c.spans[i-1].End > span.Start {
			return errors.Errorf("counted span at %#x overlaps the span ending at %#x", span.Start, c.spans[i-1].End)
		}
	}

	return nil
}
