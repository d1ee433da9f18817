package dialect

import (
	"strings"
	"unicode/utf8"
)

// quoting describes an engine's identifier delimiters.
type quoting struct {
	open, close string
}

var (
	doubleQuotes = quoting{open: `"`, close: `"`}
	brackets     = quoting{open: `[`, close: `]`}
	backticks    = quoting{open: "`", close: "`"}
)

func (q quoting) wrap(name string) string {
	return q.open + strings.ReplaceAll(name, q.close, q.close+q.close) + q.close
}

func (q quoting) isWrapped(seg string) bool {
	return len(seg) >= 2 && strings.HasPrefix(seg, q.open) && strings.HasSuffix(seg, q.close)
}

// segments splits a dotted name, ignoring dots inside delimiters.
func (q quoting) segments(name string) []string {
	var (
		out    []string
		cur    strings.Builder
		inWrap bool
	)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if inWrap {
			if strings.HasPrefix(name[i:], q.close) {
				// a doubled close delimiter is an escape
				if strings.HasPrefix(name[i+len(q.close):], q.close) {
					cur.WriteString(q.close + q.close)
					i += 2*len(q.close) - 1
					continue
				}
				inWrap = false
			}
			cur.WriteByte(c)
			continue
		}
		switch {
		case strings.HasPrefix(name[i:], q.open):
			inWrap = true
			cur.WriteByte(c)
		case c == '.':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(out, cur.String())
}

func (q quoting) ensureWrapped(name string, wrap func(string) string) string {
	segs := q.segments(name)
	for i, s := range segs {
		s = strings.TrimSpace(s)
		if s == "" {
			// SQL Server "db..table" keeps the empty schema segment
			segs[i] = ""
			continue
		}
		if q.isWrapped(s) {
			segs[i] = s
			continue
		}
		segs[i] = wrap(s)
	}
	return strings.Join(segs, ".")
}

func (q quoting) runtimeName(name string) string {
	segs := q.segments(strings.TrimSpace(name))
	last := strings.TrimSpace(segs[len(segs)-1])
	if q.isWrapped(last) {
		last = last[len(q.open) : len(last)-len(q.close)]
		last = strings.ReplaceAll(last, q.close+q.close, q.close)
	}
	return last
}

// truncate keeps the first n runes of s; n <= 0 means unlimited.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
