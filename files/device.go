package files

import (
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// DevicePrefix is the mount point of device nodes
const DevicePrefix = "/dev/"

// DefaultDevices are the device nodes a process can open
var DefaultDevices = []string{
	"console",
	"deci_tty6",
	"dipsw",
	"dmem0",
	"dmem1",
	"dmem2",
	"gc",
	"null",
	"zero",
}

// DeviceFS serves device nodes. Reading a device yields zeros and writes are discarded.
type DeviceFS struct {
	names []string
}

var _ FS = &DeviceFS{}

func NewDeviceFS(names []string) *DeviceFS {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return &DeviceFS{names: sorted}
}

func (d *DeviceFS) Open(consolePath string, flags OpenFlags) (File, error) {
	name := strings.TrimPrefix(path.Clean(consolePath), DevicePrefix)
	if _, found := slices.BinarySearch(d.names, name); !found {
		return nil, errors.Wrapf(ErrNoSuchFile, "%q", consolePath)
	}

	kind := KindDevice
	if strings.HasPrefix(name, directMemoryDevice) {
		kind = KindDirectMemory
	}

	return &deviceFile{
		path:     consolePath,
		kind:     kind,
		writable: flags.Writable(),
	}, nil
}

// directMemoryDevice is the name prefix of the direct memory devices
const directMemoryDevice = "dmem"

type deviceFile struct {
	path     string
	kind     Kind
	writable bool
}

func (f *deviceFile) Stat() (Info, error) {
	return Info{
		Path:     f.path,
		Kind:     f.kind,
		Writable: f.writable,
		Category: CategorySystem,
	}, nil
}

func (f *deviceFile) ReadAt(p []byte, off int64) (int, error) {
	clear(p)
	return len(p), nil
}

func (f *deviceFile) WriteAt(p []byte, off int64) (int, error) {
	if !f.writable {
		return 0, errors.Wrapf(ErrReadOnly, "%q", f.path)
	}
	return len(p), nil
}

func (f *deviceFile) Close() error {
	return nil
}

// Namespace routes device paths to a DeviceFS and every other path to a host FS
type Namespace struct {
	Devices FS
	Host    FS
}

var _ FS = &Namespace{}

func (n *Namespace) Open(consolePath string, flags OpenFlags) (File, error) {
	if strings.HasPrefix(consolePath, DevicePrefix) && n.Devices != nil {
		return n.Devices.Open(consolePath, flags)
	}
	if n.Host == nil {
		return nil, errors.Wrapf(ErrNoSuchFile, "%q", consolePath)
	}
	return n.Host.Open(consolePath, flags)
}
