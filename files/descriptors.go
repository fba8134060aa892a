package files

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/orbismem/internal/utils"
)

// firstDescriptor follows the standard input, output and error descriptors
const firstDescriptor int32 = 3

// Descriptors is a process file descriptor table over an FS. It is safe for concurrent use.
type Descriptors struct {
	fs    FS
	mutex utils.OptionalRWMutex
	files *swiss.Map[int32, File]
}

var _ Table = &Descriptors{}

func NewDescriptors(fs FS) *Descriptors {
	return &Descriptors{
		fs:    fs,
		mutex: utils.NewOptionalRWMutex(true),
		files: swiss.NewMap[int32, File](42),
	}
}

// Open opens path and returns the lowest free descriptor
func (d *Descriptors) Open(path string, flags OpenFlags) (int32, error) {
	file, err := d.fs.Open(path, flags)
	if err != nil {
		return -1, err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	fd := firstDescriptor
	for d.files.Has(fd) {
		fd++
	}
	d.files.Put(fd, file)
	return fd, nil
}

// Close closes a descriptor and frees its number
func (d *Descriptors) Close(fd int32) error {
	d.mutex.Lock()
	file, ok := d.files.Get(fd)
	if ok {
		d.files.Delete(fd)
	}
	d.mutex.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotOpen, "descriptor %d", fd)
	}
	return file.Close()
}

// Lookup returns the file a descriptor refers to
func (d *Descriptors) Lookup(fd int32) (File, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	file, ok := d.files.Get(fd)
	if !ok {
		return nil, errors.Wrapf(ErrNotOpen, "descriptor %d", fd)
	}
	return file, nil
}

// Count returns the number of open descriptors
func (d *Descriptors) Count() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.files.Count()
}

// Read reads from a descriptor at offset
func (d *Descriptors) Read(fd int32, buf []byte, offset int64) (int, error) {
	file, err := d.Lookup(fd)
	if err != nil {
		return 0, err
	}

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if info.Kind == KindDirectory {
		return 0, errors.Wrapf(ErrIsDirectory, "descriptor %d", fd)
	}

	return file.ReadAt(buf, offset)
}

// Write writes to a descriptor at offset
func (d *Descriptors) Write(fd int32, data []byte, offset int64) (int, error) {
	file, err := d.Lookup(fd)
	if err != nil {
		return 0, err
	}

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Writable {
		return 0, errors.Wrapf(ErrReadOnly, "descriptor %d", fd)
	}

	return file.WriteAt(data, offset)
}

// CloseAll closes every open descriptor and returns the first error encountered
func (d *Descriptors) CloseAll() error {
	d.mutex.Lock()
	var fds []int32
	var open []File
	d.files.Iter(func(fd int32, file File) bool {
		fds = append(fds, fd)
		open = append(open, file)
		return false
	})
	for _, fd := range fds {
		d.files.Delete(fd)
	}
	d.mutex.Unlock()

	var firstErr error
	for _, file := range open {
		err := file.Close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
