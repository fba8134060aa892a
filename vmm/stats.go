package vmm

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/regions"
)

// Statistics summarizes the state of a manager
type Statistics struct {
	// Virtual covers every region of the address map and the gaps between them
	Virtual memutils.DetailedStatistics
	// ByKind covers the regions of each kind. Gaps are not counted.
	ByKind map[regions.Kind]*memutils.DetailedStatistics
	// Physical covers allocated direct memory
	Physical memutils.DetailedStatistics

	Flexible memutils.Statistics
	System   memutils.Statistics

	Pool PoolBlockStats
}

// CalculateStatistics fills stats with the current state of the manager
func (m *Manager) CalculateStatistics(stats *Statistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.calculateStatistics(stats)
}

func (m *Manager) calculateStatistics(stats *Statistics) {
	stats.Virtual.Clear()
	stats.Physical.Clear()
	stats.Flexible.Clear()
	stats.System.Clear()
	stats.ByKind = make(map[regions.Kind]*memutils.DetailedStatistics)

	m.regions.AddDetailedStatistics(&stats.Virtual)
	for _, region := range m.regions.Regions() {
		kindStats, ok := stats.ByKind[region.Kind]
		if !ok {
			kindStats = &memutils.DetailedStatistics{}
			kindStats.Clear()
			stats.ByKind[region.Kind] = kindStats
		}
		kindStats.AddRegion(region.Size(), region.Committed)
	}

	m.dmem.AddDetailedStatistics(&stats.Physical)
	m.budgets.AddStatistics(budget.KindFlexible, &stats.Flexible)
	m.budgets.AddStatistics(budget.KindSystem, &stats.System)

	stats.Pool = PoolBlockStats{
		AvailableBlocks: int(m.pool.free.Size() / PoolGranularity),
		AllocatedBlocks: int(uint64(m.pool.committed.Count()) * m.pageSize / PoolGranularity),
	}
}

func hex(value uint64) string {
	return fmt.Sprintf("%#x", value)
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("Count").Int(stats.RegionCount)
	json.Name("Bytes").String(hex(stats.RegionBytes))
	json.Name("CommittedCount").Int(stats.CommittedCount)
	json.Name("CommittedBytes").String(hex(stats.CommittedBytes))
	if stats.RegionCount > 0 {
		json.Name("SizeMin").String(hex(stats.RegionSizeMin))
		json.Name("SizeMax").String(hex(stats.RegionSizeMax))
	}
	if stats.GapCount > 0 {
		json.Name("Gaps").Int(stats.GapCount)
		json.Name("GapSizeMin").String(hex(stats.GapSizeMin))
		json.Name("GapSizeMax").String(hex(stats.GapSizeMax))
	}
}

func (m *Manager) printBudget(json *jwriter.ObjectState, kind budget.Kind) {
	obj := json.Name(kind.String()).Object()
	obj.Name("Used").String(hex(m.budgets.Used(kind)))
	obj.Name("Limit").String(hex(m.budgets.Limit(kind)))
	obj.End()
}

// BuildStatsString returns a JSON document summarizing the manager. With detailed set, it also
// lists every region and every direct memory extent.
func (m *Manager) BuildStatsString(detailed bool) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats Statistics
	m.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	json := writer.Object()

	json.Name("Platform").String(m.platform.String())

	total := json.Name("Total").Object()
	printDetailedStatistics(&total, &stats.Virtual)
	total.End()

	kinds := json.Name("Kinds").Object()
	for _, kind := range []regions.Kind{regions.KindReserved, regions.KindFlexible, regions.KindDirect, regions.KindPooled, regions.KindFile, regions.KindDevice} {
		kindStats, ok := stats.ByKind[kind]
		if !ok {
			continue
		}
		obj := kinds.Name(kind.String()).Object()
		printDetailedStatistics(&obj, kindStats)
		obj.End()
	}
	kinds.End()

	physical := json.Name("DirectMemory").Object()
	printDetailedStatistics(&physical, &stats.Physical)
	physical.End()

	budgets := json.Name("Budgets").Object()
	m.printBudget(&budgets, budget.KindFlexible)
	m.printBudget(&budgets, budget.KindSystem)
	budgets.End()

	pool := json.Name("Pool").Object()
	pool.Name("AvailableBlocks").Int(stats.Pool.AvailableBlocks)
	pool.Name("AllocatedBlocks").Int(stats.Pool.AllocatedBlocks)
	pool.End()

	if detailed {
		m.printDetailedMap(json)
	}

	json.End()
	return string(writer.Bytes())
}

// PrintDetailedMap writes every region, every direct memory extent and the budgets into writer
func (m *Manager) PrintDetailedMap(writer *jwriter.Writer) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	json := writer.Object()
	defer json.End()

	m.printDetailedMap(json)
}

func (m *Manager) printDetailedMap(json jwriter.ObjectState) {
	json.Name("Aliasing").Bool(m.aliasing)

	virtual := json.Name("VirtualMap").Object()
	m.regions.PrintDetailedMap(virtual)
	virtual.End()

	direct := json.Name("DirectMemoryMap").Object()
	m.dmem.PrintDetailedMap(direct)
	direct.End()
}
