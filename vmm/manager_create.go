package vmm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/orbismem/budget"
	"github.com/vkngwrapper/orbismem/dmem"
	"github.com/vkngwrapper/orbismem/files"
	"github.com/vkngwrapper/orbismem/internal/utils"
	"github.com/vkngwrapper/orbismem/memutils"
	"github.com/vkngwrapper/orbismem/memutils/pages"
	"github.com/vkngwrapper/orbismem/platform"
	"github.com/vkngwrapper/orbismem/regions"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var managerCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	managerCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return managerCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the manager will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateNoDriverReservation skips the physical memory the graphics driver claims at startup
	CreateNoDriverReservation
	// CreateForceCoalesce lets committed regions merge whatever the platform version
	CreateForceCoalesce
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateNoDriverReservation.Register("CreateNoDriverReservation")
	CreateForceCoalesce.Register("CreateForceCoalesce")
}

const (
	// DefaultPageSize is the page size of the console
	DefaultPageSize uint64 = 0x4000
	// PoolGranularity is the unit in which memory pools are expanded, reserved and committed
	PoolGranularity uint64 = 0x10000

	// DefaultSearchBase is the lowest address a mapping without MapFixed is placed at
	DefaultSearchBase uint64 = 0x200000000
	// DefaultSystemSearchBase is the lowest address of a MapSystem mapping without MapFixed
	DefaultSystemSearchBase uint64 = 0x880000000

	// DefaultDirectMemorySize is the amount of direct memory available to a process
	DefaultDirectMemorySize uint64 = 0x150000000
	// DefaultFlexibleBudget is the flexible memory budget, 448 MiB
	DefaultFlexibleBudget uint64 = 0x1C000000
	// DefaultSystemBudget is the system memory budget
	DefaultSystemBudget uint64 = 0x10000000

	// driverReservationSize is the physical memory at address zero that the graphics driver claims
	driverReservationSize uint64 = 0x10000
	driverReservationType int32  = 3

	// maxAlignment is the exclusive upper bound of mapping alignments
	maxAlignment uint64 = 0x100000000
	// maxNameLength is the longest name a virtual range can carry
	maxNameLength = 31
)

// CreateOptions contains optional settings when creating a manager. It is valid to leave every
// field blank.
type CreateOptions struct {
	Flags CreateFlags

	// Platform selects the version-dependent behaviors. Defaults to platform.Default().
	Platform *platform.Platform

	PageSize         uint64
	SearchBase       uint64
	SystemSearchBase uint64
	DirectMemorySize uint64
	FlexibleBudget   uint64
	SystemBudget     uint64

	// Files resolves descriptors passed to GenericMmap. Without it every descriptor is invalid.
	Files files.Table
}

// New creates a new Manager
//
// logger - receives debug logging for every operation
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Manager, error) {
	if options.Platform == nil {
		options.Platform = platform.Default()
	}
	if options.PageSize == 0 {
		options.PageSize = DefaultPageSize
	}
	if options.SearchBase == 0 {
		options.SearchBase = DefaultSearchBase
	}
	if options.SystemSearchBase == 0 {
		options.SystemSearchBase = DefaultSystemSearchBase
	}
	if options.DirectMemorySize == 0 {
		options.DirectMemorySize = DefaultDirectMemorySize
	}
	if options.FlexibleBudget == 0 {
		options.FlexibleBudget = DefaultFlexibleBudget
	}
	if options.SystemBudget == 0 {
		options.SystemBudget = DefaultSystemBudget
	}

	err := memutils.CheckPow2(options.PageSize, "PageSize")
	if err != nil {
		return nil, err
	}
	if PoolGranularity%options.PageSize != 0 {
		return nil, errors.Newf("page size %#x does not divide the pool granularity", options.PageSize)
	}

	caps := options.Platform.Capabilities()
	policy := regions.CoalescePolicy{
		Committed:      caps.CoalesceCommitted,
		StrictCallSite: caps.StrictCallSite,
	}
	if options.Flags&CreateForceCoalesce != 0 {
		policy = regions.CoalescePolicy{Committed: true}
	}

	m := &Manager{
		logger:   logger,
		mutex:    utils.NewOptionalRWMutex(options.Flags&CreateExternallySynchronized == 0),
		platform: options.Platform,
		caps:     caps,

		pageSize:         options.PageSize,
		searchBase:       options.SearchBase,
		systemSearchBase: options.SystemSearchBase,

		regions: regions.New(logger, options.PageSize, platform.AddressSpaceLimit, policy),
		dmem:    dmem.New(logger, options.DirectMemorySize, options.PageSize),
		budgets: budget.NewTracker(budget.Limits{
			Flexible: options.FlexibleBudget,
			System:   options.SystemBudget,
		}),
		files: options.Files,

		virtualContents:  pages.NewStore(options.PageSize),
		physicalContents: pages.NewStore(options.PageSize),

		pool: newMemoryPool(options.PageSize),
	}

	if options.Flags&CreateNoDriverReservation == 0 {
		_, err = m.dmem.Allocate(0, int64(driverReservationSize), driverReservationSize, 0, driverReservationType)
		if err != nil {
			return nil, errors.Wrap(err, "could not reserve driver memory")
		}
		// The driver keeps its memory mapped for the life of the process
		m.dmem.Reference(0, driverReservationSize)
	}

	logger.Debug("Manager::New", slog.String("Platform", options.Platform.String()), slog.String("Flags", options.Flags.String()))
	return m, nil
}
