package files

//go:generate mockgen -source file.go -destination mocks/files.go -package mock_files

import "github.com/vkngwrapper/orbismem/memutils"

// Kind is the type of node a file descriptor refers to
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
	KindDevice
	// KindDirectMemory is a direct memory device. Its offsets are physical addresses.
	KindDirectMemory
)

var kindMapping = map[Kind]string{
	KindRegular:      "Regular",
	KindDirectory:    "Directory",
	KindDevice:       "Device",
	KindDirectMemory: "DirectMemory",
}

func (k Kind) String() string {
	return kindMapping[k]
}

// Category is the mount a file was opened from. Mapping files from the data and system
// mounts is not charged against the flexible memory budget.
type Category uint8

const (
	CategoryApp Category = iota
	CategoryData
	CategorySystem
)

var categoryMapping = map[Category]string{
	CategoryApp:    "App",
	CategoryData:   "Data",
	CategorySystem: "System",
}

func (c Category) String() string {
	return categoryMapping[c]
}

// OpenFlags select the access mode of an opened file
type OpenFlags uint32

const (
	OpenReadOnly  OpenFlags = 0x0
	OpenWriteOnly OpenFlags = 0x1
	OpenReadWrite OpenFlags = 0x2
	OpenCreate    OpenFlags = 0x200
	OpenTruncate  OpenFlags = 0x400

	openAccessMask OpenFlags = 0x3
)

// Writable reports whether the flags open the file for writing
func (f OpenFlags) Writable() bool {
	access := f & openAccessMask
	return access == OpenWriteOnly || access == OpenReadWrite
}

// Readable reports whether the flags open the file for reading
func (f OpenFlags) Readable() bool {
	access := f & openAccessMask
	return access == OpenReadOnly || access == OpenReadWrite
}

// Info describes an open file
type Info struct {
	Path string
	Size uint64
	Kind Kind
	// Writable reports whether the descriptor was opened for writing
	Writable bool
	Category Category
}

var (
	ErrNotOpen        = memutils.NewSentinel("file descriptor is not open", memutils.ErrBadDescriptor)
	ErrNoSuchFile     = memutils.NewSentinel("no such file or directory", memutils.ErrNotFound)
	ErrReadOnly       = memutils.NewSentinel("file is not open for writing", memutils.ErrAccessDenied)
	ErrWriteOnly      = memutils.NewSentinel("file is not open for reading", memutils.ErrAccessDenied)
	ErrIsDirectory    = memutils.NewSentinel("file is a directory", memutils.ErrInvalidArgument)
	ErrNotImplemented = memutils.NewSentinel("host files are not supported on this system", memutils.ErrNotSupported)
)

// File is an open file. ReadAt returns a short count without an error at the end of the file.
type File interface {
	Stat() (Info, error)
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// FS opens files by their console path
type FS interface {
	Open(path string, flags OpenFlags) (File, error)
}

// Table resolves file descriptors
type Table interface {
	Lookup(fd int32) (File, error)
}
