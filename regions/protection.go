package regions

import "github.com/vkngwrapper/core/v2/common"

// Protection is the access bitmask of a virtual region
type Protection uint32

var protectionMapping = common.NewFlagStringMapping[Protection]()

func (p Protection) Register(str string) {
	protectionMapping.Register(p, str)
}
func (p Protection) String() string {
	return protectionMapping.FlagsToString(p)
}

const (
	ProtCPURead  Protection = 0x1
	ProtCPUWrite Protection = 0x2
	ProtCPUExec  Protection = 0x4
	ProtGPURead  Protection = 0x10
	ProtGPUWrite Protection = 0x20

	// ProtNone is the protection of a reserved region
	ProtNone Protection = 0

	ProtCPUReadWrite = ProtCPURead | ProtCPUWrite
	ProtGPUReadWrite = ProtGPURead | ProtGPUWrite
	ProtCPUAll       = ProtCPURead | ProtCPUWrite | ProtCPUExec
	ProtAll          = ProtCPUAll | ProtGPUReadWrite

	// ProtWriteMask is every bit that allows a write from either the CPU or the GPU
	ProtWriteMask = ProtCPUWrite | ProtGPUWrite
)

func init() {
	ProtCPURead.Register("CPURead")
	ProtCPUWrite.Register("CPUWrite")
	ProtCPUExec.Register("CPUExec")
	ProtGPURead.Register("GPURead")
	ProtGPUWrite.Register("GPUWrite")
}

// Valid reports whether p contains only defined protection bits
func (p Protection) Valid() bool {
	return p&^ProtAll == 0
}

// Normalize drops undefined bits and upgrades CPU write access to read-write
func (p Protection) Normalize() Protection {
	p &= ProtAll
	if p&ProtCPUWrite != 0 {
		p |= ProtCPURead
	}
	return p
}
