//go:build !unix

package project

import "github.com/pkg/errors"

// FreeBytes is unsupported off unix.
func (d Directory) FreeBytes() (uint64, error) {
	return 0, errors.New("project: free space check unsupported on this platform")
}
