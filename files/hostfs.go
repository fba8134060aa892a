package files

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/orbismem/memutils"
)

// Mount binds a console mount point to a host directory
type Mount struct {
	HostDir  string
	Category Category
	ReadOnly bool
}

// DefaultMounts lays the console mount points out as subdirectories of root
func DefaultMounts(root string) map[string]Mount {
	return map[string]Mount{
		"/app0":      {HostDir: filepath.Join(root, "app0"), Category: CategoryApp},
		"/download0": {HostDir: filepath.Join(root, "download0"), Category: CategoryApp},
		"/data":      {HostDir: filepath.Join(root, "data"), Category: CategoryData},
		"/system":    {HostDir: filepath.Join(root, "system"), Category: CategorySystem, ReadOnly: true},
		"/system_ex": {HostDir: filepath.Join(root, "system_ex"), Category: CategorySystem, ReadOnly: true},
	}
}

// HostFS serves console paths from host directories
type HostFS struct {
	mounts map[string]Mount
}

var _ FS = &HostFS{}

func NewHostFS(mounts map[string]Mount) *HostFS {
	return &HostFS{mounts: mounts}
}

// resolve maps a console path to a host path through the longest matching mount point
func (h *HostFS) resolve(consolePath string) (string, Mount, error) {
	if !strings.HasPrefix(consolePath, "/") {
		return "", Mount{}, errors.Wrapf(memutils.ErrInvalidArgument, "path %q is not absolute", consolePath)
	}
	cleaned := path.Clean(consolePath)

	var bestPoint string
	var best Mount
	for point, mount := range h.mounts {
		if cleaned != point && !strings.HasPrefix(cleaned, point+"/") {
			continue
		}
		if len(point) > len(bestPoint) {
			bestPoint = point
			best = mount
		}
	}

	if bestPoint == "" {
		return "", Mount{}, errors.Wrapf(ErrNoSuchFile, "no mount point for %q", consolePath)
	}

	rest := strings.TrimPrefix(cleaned, bestPoint)
	return filepath.Join(best.HostDir, filepath.FromSlash(rest)), best, nil
}

func (h *HostFS) Open(consolePath string, flags OpenFlags) (File, error) {
	hostPath, mount, err := h.resolve(consolePath)
	if err != nil {
		return nil, err
	}

	if mount.ReadOnly && (flags.Writable() || flags&(OpenCreate|OpenTruncate) != 0) {
		return nil, errors.Wrapf(ErrReadOnly, "%q is on a read-only mount", consolePath)
	}

	return openHostFile(consolePath, hostPath, flags, mount.Category)
}
