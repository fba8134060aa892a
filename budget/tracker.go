package budget

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/memutils"
)

// Kind identifies the quota a mapping is charged against
type Kind uint8

const (
	// KindNone mappings are not charged against any quota
	KindNone Kind = iota
	// KindFlexible mappings are charged against the flexible memory budget
	KindFlexible
	// KindSystem mappings are charged against the system memory budget
	KindSystem

	kindCount
)

var kindMapping = map[Kind]string{
	KindNone:     "None",
	KindFlexible: "Flexible",
	KindSystem:   "System",
}

func (k Kind) String() string {
	return kindMapping[k]
}

// ErrExhausted is returned when a charge would push a budget past its limit. The kind of error
// reported to callers of mapping operations depends on the platform version, so this error is not
// marked with any memutils kind.
var ErrExhausted = errors.New("memory budget exhausted")

// Tracker holds the process-wide budget counters. Counters are updated with atomic
// compare-and-swap, so Available may be read without holding the manager lock.
type Tracker struct {
	used   [kindCount]int64
	limits [kindCount]int64
}

// Limits configures the byte limit of each budget
type Limits struct {
	Flexible uint64
	System   uint64
}

func NewTracker(limits Limits) *Tracker {
	tracker := &Tracker{}
	tracker.limits[KindFlexible] = int64(limits.Flexible)
	tracker.limits[KindSystem] = int64(limits.System)
	return tracker
}

// Used returns the number of bytes charged against a budget
func (t *Tracker) Used(kind Kind) uint64 {
	return uint64(atomic.LoadInt64(&t.used[kind]))
}

// Limit returns the configured limit of a budget
func (t *Tracker) Limit(kind Kind) uint64 {
	return uint64(t.limits[kind])
}

// Available returns the number of bytes that may still be charged against a budget
func (t *Tracker) Available(kind Kind) uint64 {
	if kind == KindNone {
		return 0
	}

	available := t.limits[kind] - atomic.LoadInt64(&t.used[kind])
	if available < 0 {
		return 0
	}
	return uint64(available)
}

// Charge adds size bytes to a budget. reclaim is the number of bytes of the same budget the caller
// is about to Release as part of the same operation: the limit check accounts for it, but only
// size is added here. If the budget cannot hold the charge, nothing is modified and ErrExhausted
// is returned.
func (t *Tracker) Charge(kind Kind, size, reclaim uint64) error {
	if kind == KindNone || size == 0 {
		return nil
	}

	for {
		currentVal := atomic.LoadInt64(&t.used[kind])
		targetVal := currentVal + int64(size)

		if targetVal-int64(reclaim) > t.limits[kind] {
			return errors.Wrapf(ErrExhausted, "%s budget has %#x bytes available, %#x requested", kind, t.limits[kind]-currentVal+int64(reclaim), size)
		}

		if atomic.CompareAndSwapInt64(&t.used[kind], currentVal, targetVal) {
			return nil
		}
	}
}

// Release returns size bytes to a budget
func (t *Tracker) Release(kind Kind, size uint64) {
	if kind == KindNone || size == 0 {
		return
	}

	newVal := atomic.AddInt64(&t.used[kind], -int64(size))
	if newVal < 0 {
		panic(fmt.Sprintf("%s budget went negative", kind))
	}
}

// AddStatistics reports every budget as a committed region of its used size
func (t *Tracker) AddStatistics(kind Kind, stats *memutils.Statistics) {
	used := t.Used(kind)
	if used == 0 {
		return
	}

	stats.RegionCount++
	stats.RegionBytes += used
	stats.CommittedCount++
	stats.CommittedBytes += used
}
