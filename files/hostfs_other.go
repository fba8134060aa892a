//go:build !unix

package files

import "github.com/cockroachdb/errors"

func openHostFile(consolePath, hostPath string, flags OpenFlags, category Category) (File, error) {
	return nil, errors.Wrapf(ErrNotImplemented, "%q", consolePath)
}
