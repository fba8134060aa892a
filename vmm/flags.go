package vmm

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/orbismem/regions"
)

// Protection is the access bitmask of a mapping
type Protection = regions.Protection

const (
	ProtCPURead  = regions.ProtCPURead
	ProtCPUWrite = regions.ProtCPUWrite
	ProtCPUExec  = regions.ProtCPUExec
	ProtGPURead  = regions.ProtGPURead
	ProtGPUWrite = regions.ProtGPUWrite
	ProtNone     = regions.ProtNone

	ProtCPUReadWrite = regions.ProtCPUReadWrite
	ProtGPUReadWrite = regions.ProtGPUReadWrite
	ProtAll          = regions.ProtAll
)

// MapFlags alter the placement and behavior of a mapping
type MapFlags uint32

var mapFlagsMapping = common.NewFlagStringMapping[MapFlags]()

func (f MapFlags) Register(str string) {
	mapFlagsMapping.Register(f, str)
}
func (f MapFlags) String() string {
	return mapFlagsMapping.FlagsToString(f)
}

const (
	// MapShared makes writes to a file mapping reach the file
	MapShared MapFlags = 0x1
	// MapPrivate makes a file mapping copy-on-write
	MapPrivate MapFlags = 0x2
	// MapFixed places the mapping exactly at the requested address, replacing what was there
	MapFixed MapFlags = 0x10

	MapRename    MapFlags = 0x20
	MapNoReserve MapFlags = 0x40

	// MapNoOverwrite makes a MapFixed mapping fail instead of replacing existing mappings
	MapNoOverwrite MapFlags = 0x80
	// MapVoid reserves address space without backing it
	MapVoid MapFlags = 0x100

	MapHasSemaphore MapFlags = 0x200

	// MapStack creates a stack mapping. MapDirect interprets the same bit as a request for the
	// legacy direct mapping path.
	MapStack MapFlags = 0x400

	MapNoSync MapFlags = 0x800

	// MapAnon creates anonymous memory that is not backed by a file
	MapAnon MapFlags = 0x1000
	// MapSystem charges the system budget and searches from the system base address
	MapSystem MapFlags = 0x2000

	MapAllAvailable MapFlags = 0x4000
	MapNoCore       MapFlags = 0x20000
	MapPrefaultRead MapFlags = 0x40000
	MapSelf         MapFlags = 0x80000
	MapOptimalSpace MapFlags = 0x100000

	// MapSanitizer is only accepted on development consoles
	MapSanitizer MapFlags = 0x200000
	// MapNoCoalesce keeps the mapping from merging with its neighbors
	MapNoCoalesce MapFlags = 0x400000

	MapWritableWbGarlic MapFlags = 0x800000
	Map2MBAlign         MapFlags = 0x1000000

	// MapDmemCompat is the MapDirect spelling of MapStack
	MapDmemCompat = MapStack
)

func init() {
	MapShared.Register("Shared")
	MapPrivate.Register("Private")
	MapFixed.Register("Fixed")
	MapRename.Register("Rename")
	MapNoReserve.Register("NoReserve")
	MapNoOverwrite.Register("NoOverwrite")
	MapVoid.Register("Void")
	MapHasSemaphore.Register("HasSemaphore")
	MapStack.Register("Stack")
	MapNoSync.Register("NoSync")
	MapAnon.Register("Anon")
	MapSystem.Register("System")
	MapAllAvailable.Register("AllAvailable")
	MapNoCore.Register("NoCore")
	MapPrefaultRead.Register("PrefaultRead")
	MapSelf.Register("Self")
	MapOptimalSpace.Register("OptimalSpace")
	MapSanitizer.Register("Sanitizer")
	MapNoCoalesce.Register("NoCoalesce")
	MapWritableWbGarlic.Register("WritableWbGarlic")
	Map2MBAlign.Register("2MBAlign")
}

const (
	reserveAllowedFlags  = MapFixed | MapNoOverwrite | MapNoCoalesce
	flexibleAllowedFlags = MapFixed | MapNoOverwrite | MapNoCoalesce
	directAllowedFlags   = MapFixed | MapNoOverwrite | MapDmemCompat | MapSanitizer | MapNoCoalesce
	poolAllowedFlags     = MapFixed | MapNoOverwrite
)

// QueryFlags alter the lookup of VirtualQuery and DirectMemoryQuery
type QueryFlags uint32

var queryFlagsMapping = common.NewFlagStringMapping[QueryFlags]()

func (f QueryFlags) Register(str string) {
	queryFlagsMapping.Register(f, str)
}
func (f QueryFlags) String() string {
	return queryFlagsMapping.FlagsToString(f)
}

const (
	// QueryFindNext returns the first region at or above the address when none contains it
	QueryFindNext QueryFlags = 0x1
)

func init() {
	QueryFindNext.Register("FindNext")
}
