package regions

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/orbismem/memutils"
)

func hex(value uint64) string {
	return fmt.Sprintf("%#x", value)
}

func (r *Region) printParameters(json *jwriter.ObjectState) {
	json.Name("Start").String(hex(r.Start))
	json.Name("End").String(hex(r.End))
	json.Name("Kind").String(r.Kind.String())
	json.Name("Protection").String(r.Protection.String())
	json.Name("MaxProtection").String(r.MaxProtection.String())
	json.Name("Committed").Bool(r.Committed)

	if r.Kind.IsPhysical() {
		json.Name("MemoryType").Int(int(r.MemoryType))
	}
	if r.Kind.HasOffset() {
		json.Name("Offset").String(hex(r.Offset))
	}
	if r.Shared {
		json.Name("Shared").Bool(true)
	}
	if r.Stack {
		json.Name("Stack").Bool(true)
	}
	if r.Name != "" {
		json.Name("Name").String(r.Name)
	}
}

// PrintDetailedMap writes summary statistics and every region of the map into json
func (m *Map) PrintDetailedMap(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").String(hex(stats.RegionBytes))
	json.Name("CommittedBytes").String(hex(stats.CommittedBytes))
	json.Name("Regions").Int(stats.RegionCount)
	json.Name("Gaps").Int(stats.GapCount)

	arr := json.Name("RegionList").Array()
	defer arr.End()

	_ = m.Visit(0, fullRange, func(region Region) error {
		obj := arr.Object()
		region.printParameters(&obj)
		obj.End()
		return nil
	})
}
