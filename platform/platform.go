package platform

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
)

const (
	// DefaultFirmware is the firmware version assumed when none is given
	DefaultFirmware = "11.00"
	// DefaultSDK is the SDK version assumed when none is given
	DefaultSDK = "11.00"

	// AddressSpaceLimit is the architectural end of the user address space
	AddressSpaceLimit uint64 = 0x10000000000

	legacyAddressCeiling = AddressSpaceLimit
	addressCeiling       uint64 = 0xfc00000000
)

// Capabilities holds every behavior of the memory manager that changed between platform versions.
// Call sites consult these values instead of comparing versions.
type Capabilities struct {
	// FixedNullDropsFixed makes a Fixed mapping at address zero ignore Fixed instead of failing
	FixedNullDropsFixed bool
	// CoalesceCommitted lets committed regions merge, not only reservations
	CoalesceCommitted bool
	// DirectRedirect gives MapDirect the busy-checked semantics of MapDirect2 unless the stack
	// compatibility flag is passed
	DirectRedirect bool
	// AddressCeiling is the exclusive upper bound of user mappings
	AddressCeiling uint64
	// CeilingEnforced reports whether AddressCeiling is the reduced modern ceiling
	CeilingEnforced bool
	// BudgetErrOutOfMemory reports budget exhaustion as out of memory instead of invalid argument
	BudgetErrOutOfMemory bool
	// RenameCoalesces makes naming a range retry merging over it
	RenameCoalesces bool
	// StrictCallSite keeps committed regions created by different calls apart
	StrictCallSite bool
	// SanitizerAllowed accepts the address sanitizer mapping flag
	SanitizerAllowed bool
}

// Platform is the firmware and SDK pair a manager emulates
type Platform struct {
	Firmware *semver.Version
	SDK      *semver.Version
	Devkit   bool

	capabilities Capabilities
}

type rule struct {
	constraint string
	onSDK      bool
	apply      func(c *Capabilities, matches bool)
}

var rules = []rule{
	{"< 1.70", true, func(c *Capabilities, m bool) { c.FixedNullDropsFixed = m }},
	{">= 2.00", true, func(c *Capabilities, m bool) { c.CoalesceCommitted = m }},
	{">= 2.50", true, func(c *Capabilities, m bool) { c.DirectRedirect = m }},
	{">= 3.00", true, func(c *Capabilities, m bool) { c.CeilingEnforced = m }},
	{">= 3.50", true, func(c *Capabilities, m bool) { c.BudgetErrOutOfMemory = m }},
	{">= 7.00", true, func(c *Capabilities, m bool) { c.RenameCoalesces = m }},
	{"< 5.50", false, func(c *Capabilities, m bool) { c.StrictCallSite = m }},
}

// ParseVersion parses a console version of the form "major.minor", where minor always has two
// digits ("5.05" precedes "5.50")
func ParseVersion(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid version %q", version)
	}
	if v.Minor() > 99 || v.Patch() != 0 || v.Prerelease() != "" {
		return nil, errors.Newf("invalid version %q: expected major.minor", version)
	}
	return v, nil
}

// New builds the platform for a firmware and SDK version. Empty strings select the defaults.
func New(firmware, sdk string, devkit bool) (*Platform, error) {
	if firmware == "" {
		firmware = DefaultFirmware
	}
	if sdk == "" {
		sdk = DefaultSDK
	}

	firmwareVersion, err := ParseVersion(firmware)
	if err != nil {
		return nil, errors.Wrap(err, "firmware")
	}
	sdkVersion, err := ParseVersion(sdk)
	if err != nil {
		return nil, errors.Wrap(err, "sdk")
	}

	p := &Platform{
		Firmware: firmwareVersion,
		SDK:      sdkVersion,
		Devkit:   devkit,
	}

	for _, r := range rules {
		constraint, err := semver.NewConstraint(r.constraint)
		if err != nil {
			return nil, errors.Wrapf(err, "capability constraint %q", r.constraint)
		}

		version := p.Firmware
		if r.onSDK {
			version = p.SDK
		}
		r.apply(&p.capabilities, constraint.Check(version))
	}

	p.capabilities.AddressCeiling = legacyAddressCeiling
	if p.capabilities.CeilingEnforced {
		p.capabilities.AddressCeiling = addressCeiling
	}
	p.capabilities.SanitizerAllowed = devkit

	return p, nil
}

// Default returns the platform for the default firmware and SDK on a retail console
func Default() *Platform {
	p, err := New(DefaultFirmware, DefaultSDK, false)
	if err != nil {
		panic(err)
	}
	return p
}

// Capabilities returns the behaviors of this platform
func (p *Platform) Capabilities() Capabilities {
	return p.capabilities
}

func (p *Platform) String() string {
	kind := "retail"
	if p.Devkit {
		kind = "devkit"
	}
	return fmt.Sprintf("firmware %d.%02d, sdk %d.%02d, %s", p.Firmware.Major(), p.Firmware.Minor(), p.SDK.Major(), p.SDK.Minor(), kind)
}
