package dmem

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/orbismem/memutils"
)

// PrintDetailedMap writes summary statistics and every extent of the allocator into json
func (a *Allocator) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").String(fmt.Sprintf("%#x", a.size))
	json.Name("AllocatedBytes").String(fmt.Sprintf("%#x", stats.RegionBytes))
	json.Name("Extents").Int(stats.RegionCount)
	json.Name("UnusedRanges").Int(stats.GapCount)

	arr := json.Name("ExtentList").Array()
	defer arr.End()

	for _, extent := range a.extents {
		obj := arr.Object()
		obj.Name("Start").String(fmt.Sprintf("%#x", extent.Start))
		obj.Name("End").String(fmt.Sprintf("%#x", extent.End))
		obj.Name("Type").Int(int(extent.Type))
		if extent.Pooled {
			obj.Name("Pooled").Bool(true)
		}
		if a.references.Any(extent.Start, extent.End) {
			obj.Name("MaxReferences").Int(a.references.Max(extent.Start, extent.End))
		}
		obj.End()
	}
}
