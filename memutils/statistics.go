package memutils

import "math"

// Statistics summarizes a ledger of ranges, either virtual regions or physical extents
type Statistics struct {
	// RegionCount is the number of ranges in the ledger
	RegionCount int
	// RegionBytes is the total size of all ranges in the ledger
	RegionBytes uint64
	// CommittedCount is the number of ranges that are backed by memory
	CommittedCount int
	// CommittedBytes is the total size of all ranges that are backed by memory
	CommittedBytes uint64
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.RegionBytes = 0
	s.CommittedCount = 0
	s.CommittedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.RegionBytes += other.RegionBytes
	s.CommittedCount += other.CommittedCount
	s.CommittedBytes += other.CommittedBytes
}

type DetailedStatistics struct {
	Statistics
	GapCount      int
	RegionSizeMin uint64
	RegionSizeMax uint64
	GapSizeMin    uint64
	GapSizeMax    uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.GapCount = 0
	s.RegionSizeMin = math.MaxUint64
	s.RegionSizeMax = 0
	s.GapSizeMin = math.MaxUint64
	s.GapSizeMax = 0
}

func (s *DetailedStatistics) AddGap(size uint64) {
	s.GapCount++

	if size < s.GapSizeMin {
		s.GapSizeMin = size
	}

	if size > s.GapSizeMax {
		s.GapSizeMax = size
	}
}

func (s *DetailedStatistics) AddRegion(size uint64, committed bool) {
	s.RegionCount++
	s.RegionBytes += size

	if committed {
		s.CommittedCount++
		s.CommittedBytes += size
	}

	if size < s.RegionSizeMin {
		s.RegionSizeMin = size
	}

	if size > s.RegionSizeMax {
		s.RegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.GapCount += other.GapCount

	if other.GapSizeMin < s.GapSizeMin {
		s.GapSizeMin = other.GapSizeMin
	}

	if other.GapSizeMax > s.GapSizeMax {
		s.GapSizeMax = other.GapSizeMax
	}

	if other.RegionSizeMin < s.RegionSizeMin {
		s.RegionSizeMin = other.RegionSizeMin
	}

	if other.RegionSizeMax > s.RegionSizeMax {
		s.RegionSizeMax = other.RegionSizeMax
	}
}
