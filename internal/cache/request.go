// Package cache persists chunks fetched from remote origins so that repeated
// or resumed loads do not fetch them again.
//
// A chunk is identified by a Request. Layout maps a Request to one file under
// <root>/Cache purely from the root path and the request, and Manager
// fetches misses from an Origin and commits them atomically: a chunk is
// either fully present under its final name or absent.
package cache

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
)

const stampLayout = "20060102T150405Z"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Request describes one chunk: a time window of a source in a format. Two
// requests with equal fields are the same chunk.
type Request struct {
	Source string
	Format string
	Start  time.Time
	End    time.Time
}

// Validate reports malformed requests.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.Source) == "":
		return errors.New("cache: request source is empty")
	case strings.TrimSpace(r.Format) == "":
		return errors.New("cache: request format is empty")
	case r.Start.IsZero() || r.End.IsZero():
		return errors.New("cache: request window is unset")
	case !r.End.After(r.Start):
		return errors.Errorf("cache: request window end %s is not after start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Key is a canonical, human-readable rendering of the request. Times are
// normalised to UTC so equal instants in different zones share a key.
func (r Request) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.Source, strings.ToLower(r.Format),
		r.Start.UTC().Format(time.RFC3339Nano), r.End.UTC().Format(time.RFC3339Nano))
}

// Fingerprint is a stable 64-bit hash of Key.
func (r Request) Fingerprint() uint64 { return xxh3.HashString(r.Key()) }

// FingerprintHex is Fingerprint as 16 hex digits.
func (r Request) FingerprintHex() string { return fmt.Sprintf("%016x", r.Fingerprint()) }

func (r Request) String() string { return r.Key() }

// Windows splits [start, end) into consecutive requests of length step; the
// last one is clipped to end.
func Windows(source, format string, start, end time.Time, step time.Duration) ([]Request, error) {
	if step <= 0 {
		return nil, errors.New("cache: window step must be positive")
	}
	if !end.After(start) {
		return nil, errors.New("cache: window end must be after start")
	}
	var out []Request
	for s := start; s.Before(end); s = s.Add(step) {
		e := s.Add(step)
		if e.After(end) {
			e = end
		}
		out = append(out, Request{Source: source, Format: format, Start: s, End: e})
	}
	return out, nil
}

func safeSegment(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "_"
	}
	return s
}
