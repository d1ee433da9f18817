package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Version is the on-disk layout version embedded in every chunk path.
const Version = "v1"

const tempSuffix = ".partial"

// Layout resolves requests to paths under <root>/Cache.
type Layout struct {
	root string
}

// CreateCacheLayout returns the layout rooted at a load directory. It is pure:
// it touches no files and needs no prior fetch.
func CreateCacheLayout(loadDirectoryRoot string) Layout {
	return Layout{root: filepath.Clean(loadDirectoryRoot)}
}

// Root is the load directory root.
func (l Layout) Root() string { return l.root }

// Dir is the cache directory, <root>/Cache.
func (l Layout) Dir() string { return filepath.Join(l.root, "Cache") }

// PathFor is <root>/Cache/<source>/v1/<yyyy>/<start>_<end>.<fingerprint>.<format>,
// with start and end in UTC. Source and format are sanitised for the file
// system, so the fingerprint keeps requests that sanitise alike apart.
func (l Layout) PathFor(r Request) string {
	start, end := r.Start.UTC(), r.End.UTC()
	name := start.Format(stampLayout) + "_" + end.Format(stampLayout) + "." + r.FingerprintHex() + "." + safeSegment(strings.ToLower(r.Format))
	return filepath.Join(l.Dir(), safeSegment(r.Source), Version, start.Format("2006"), name)
}

// Lookup reports whether r is durably cached and where. Temporary files from
// in-flight or interrupted writes are never reported.
func (l Layout) Lookup(r Request) (string, bool, error) {
	p := l.PathFor(r)
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p, false, nil
		}
		return p, false, errors.Wrap(err, "cache: stat")
	}
	if !fi.Mode().IsRegular() {
		return p, false, errors.Errorf("cache: %s is not a regular file", p)
	}
	return p, true, nil
}

// Sweep removes temporary files older than olderThan left behind by
// interrupted writes and returns how many it removed. A missing cache
// directory is not an error.
func (l Layout) Sweep(olderThan time.Duration, now time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(l.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) < olderThan {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	return removed, errors.Wrap(err, "cache: sweep")
}

// Cached lists requests of source whose windows are cached in [from, to).
// Only files that parse as chunk names are returned.
func (l Layout) Cached(source string, from, to time.Time) ([]Request, error) {
	base := filepath.Join(l.Dir(), safeSegment(source), Version)
	var out []Request
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}
		r, ok := parseChunkName(source, d.Name())
		if !ok || r.Start.Before(from) || !r.Start.Before(to) {
			return nil
		}
		out = append(out, r)
		return nil
	})
	return out, errors.Wrap(err, "cache: list")
}

// parseChunkName rebuilds the request a chunk file was written for. Files of
// another source sharing the sanitised directory fail the fingerprint match.
func parseChunkName(source, name string) (Request, bool) {
	fields := strings.SplitN(name, ".", 3)
	if len(fields) != 3 || fields[2] == "" {
		return Request{}, false
	}
	parts := strings.Split(fields[0], "_")
	if len(parts) != 2 {
		return Request{}, false
	}
	s, err1 := time.Parse(stampLayout, parts[0])
	e, err2 := time.Parse(stampLayout, parts[1])
	if err1 != nil || err2 != nil {
		return Request{}, false
	}
	r := Request{Source: source, Format: fields[2], Start: s, End: e}
	if r.FingerprintHex() != fields[1] {
		return Request{}, false
	}
	return r, true
}
