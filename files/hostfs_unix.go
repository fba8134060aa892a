//go:build unix

package files

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/memutils"
	"golang.org/x/sys/unix"
)

type hostFile struct {
	fd       int
	path     string
	writable bool
	category Category
}

var _ File = &hostFile{}

func translateErrno(err error, consolePath string) error {
	switch {
	case errors.Is(err, unix.ENOENT):
		return errors.Wrapf(ErrNoSuchFile, "%q", consolePath)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, unix.EROFS):
		return errors.Wrapf(memutils.ErrAccessDenied, "%q: %v", consolePath, err)
	case errors.Is(err, unix.EISDIR):
		return errors.Wrapf(ErrIsDirectory, "%q", consolePath)
	case errors.Is(err, unix.EBADF):
		return errors.Wrapf(ErrNotOpen, "%q", consolePath)
	}
	return errors.Wrapf(err, "%q", consolePath)
}

func (f OpenFlags) unixFlags() int {
	var flags int
	switch f & openAccessMask {
	case OpenWriteOnly:
		flags = unix.O_WRONLY
	case OpenReadWrite:
		flags = unix.O_RDWR
	default:
		flags = unix.O_RDONLY
	}
	if f&OpenCreate != 0 {
		flags |= unix.O_CREAT
	}
	if f&OpenTruncate != 0 {
		flags |= unix.O_TRUNC
	}
	return flags | unix.O_CLOEXEC
}

func openHostFile(consolePath, hostPath string, flags OpenFlags, category Category) (File, error) {
	fd, err := unix.Open(hostPath, flags.unixFlags(), 0o644)
	if err != nil {
		return nil, translateErrno(err, consolePath)
	}

	return &hostFile{
		fd:       fd,
		path:     consolePath,
		writable: flags.Writable(),
		category: category,
	}, nil
}

func (f *hostFile) Stat() (Info, error) {
	var stat unix.Stat_t
	err := unix.Fstat(f.fd, &stat)
	if err != nil {
		return Info{}, translateErrno(err, f.path)
	}

	kind := KindRegular
	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		kind = KindDirectory
	case unix.S_IFCHR, unix.S_IFBLK:
		kind = KindDevice
	}

	return Info{
		Path:     f.path,
		Size:     uint64(stat.Size),
		Kind:     kind,
		Writable: f.writable,
		Category: f.category,
	}, nil
}

func (f *hostFile) ReadAt(p []byte, off int64) (int, error) {
	var total int
	for total < len(p) {
		n, err := unix.Pread(f.fd, p[total:], off+int64(total))
		if err != nil {
			return total, translateErrno(err, f.path)
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func (f *hostFile) WriteAt(p []byte, off int64) (int, error) {
	if !f.writable {
		return 0, errors.Wrapf(ErrReadOnly, "%q", f.path)
	}

	var total int
	for total < len(p) {
		n, err := unix.Pwrite(f.fd, p[total:], off+int64(total))
		if err != nil {
			return total, translateErrno(err, f.path)
		}
		total += n
	}
	return total, nil
}

func (f *hostFile) Close() error {
	err := unix.Close(f.fd)
	if err != nil {
		return translateErrno(err, f.path)
	}
	return nil
}
