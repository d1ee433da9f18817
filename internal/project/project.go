// Package project models a load's working directory on disk:
//
//	<root>/Data/ForLoading    files waiting to be attached
//	<root>/Data/ForArchiving  files moved here after a successful load
//	<root>/Cache              fetched chunks (see package cache)
//	<root>/Executables        site scripts run by custom attachers
//	<root>/Logs               per-run logs
package project

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Directory is a load directory rooted at Root.
type Directory struct {
	Root string
}

// New returns the directory rooted at root. Nothing is touched on disk.
func New(root string) Directory { return Directory{Root: filepath.Clean(root)} }

func (d Directory) Data() string         { return filepath.Join(d.Root, "Data") }
func (d Directory) ForLoading() string   { return filepath.Join(d.Root, "Data", "ForLoading") }
func (d Directory) ForArchiving() string { return filepath.Join(d.Root, "Data", "ForArchiving") }
func (d Directory) Cache() string        { return filepath.Join(d.Root, "Cache") }
func (d Directory) Executables() string  { return filepath.Join(d.Root, "Executables") }
func (d Directory) Logs() string         { return filepath.Join(d.Root, "Logs") }

func (d Directory) required() []string {
	return []string{d.ForLoading(), d.ForArchiving(), d.Cache(), d.Executables(), d.Logs()}
}

// Create makes every subdirectory. Existing directories are left alone.
func (d Directory) Create() error {
	if strings.TrimSpace(d.Root) == "" || d.Root == "." {
		return errors.New("project: root is empty")
	}
	for _, p := range d.required() {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return errors.Wrapf(err, "project: create %s", p)
		}
	}
	return nil
}

// Validate reports the first missing or non-directory subdirectory.
func (d Directory) Validate() error {
	for _, p := range d.required() {
		fi, err := os.Stat(p)
		if err != nil {
			return errors.Wrapf(err, "project: %s", p)
		}
		if !fi.IsDir() {
			return errors.Errorf("project: %s is not a directory", p)
		}
	}
	return nil
}

// EnsureFree fails when the filesystem holding Root has less than min bytes
// available to unprivileged users.
func (d Directory) EnsureFree(min uint64) error {
	if min == 0 {
		return nil
	}
	free, err := d.FreeBytes()
	if err != nil {
		return err
	}
	if free < min {
		return errors.Errorf("project: %s has %d bytes free, need %d", d.Root, free, min)
	}
	return nil
}

// Archive moves a file from ForLoading into ForArchiving, keeping its name.
// An existing archived file of the same name is replaced.
func (d Directory) Archive(path string) (string, error) {
	dest := filepath.Join(d.ForArchiving(), filepath.Base(path))
	if err := os.MkdirAll(d.ForArchiving(), 0o755); err != nil {
		return "", errors.Wrap(err, "project: archive")
	}
	if err := os.Rename(path, dest); err != nil {
		return "", errors.Wrapf(err, "project: archive %s", path)
	}
	return dest, nil
}
