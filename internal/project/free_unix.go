//go:build unix

package project

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FreeBytes returns the bytes available to unprivileged users on the
// filesystem holding Root.
func (d Directory) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.Root, &st); err != nil {
		return 0, errors.Wrapf(err, "project: statfs %s", d.Root)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
