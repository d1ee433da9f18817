package attach

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/HDRUK/RDMP-sub001/internal/audit"
	"github.com/HDRUK/RDMP-sub001/internal/config"
	"github.com/HDRUK/RDMP-sub001/internal/logger"
	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Delimited describes a delimited text file.
type Delimited struct {
	Comma     rune
	HasHeader bool
	// HeaderMap renames source headers before they are matched to RAW
	// columns.
	HeaderMap map[string]string
	// Encoding is "utf-8" (default), "utf-16", "utf-16be", "windows-1252"
	// or "iso-8859-1". A leading byte order mark always wins.
	Encoding   string
	TrimSpace  bool
	LazyQuotes bool
	// DateLayout is tried before the built-in date layouts.
	DateLayout string
}

// DelimitedFromOptions reads the settings shared by the file attachers:
// comma, has_header, header_map, encoding, trim_space, lazy_quotes and
// date_layout.
func DelimitedFromOptions(o config.Options) Delimited {
	return Delimited{
		Comma:      o.Rune("comma", ','),
		HasHeader:  o.Bool("has_header", true),
		HeaderMap:  o.StringMap("header_map"),
		Encoding:   o.String("encoding", "utf-8"),
		TrimSpace:  o.Bool("trim_space", true),
		LazyQuotes: o.Bool("lazy_quotes", false),
		DateLayout: o.String("date_layout", ""),
	}
}

// Decoder returns a transformer producing UTF-8 from the configured
// encoding.
func (d Delimited) Decoder() (transform.Transformer, error) {
	var enc encoding.Encoding
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(d.Encoding), "_", "-")) {
	case "", "utf-8", "utf8":
		enc = unicode.UTF8
	case "utf-16", "utf16", "utf-16le":
		enc = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case "utf-16be":
		enc = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case "windows-1252", "cp1252":
		enc = charmap.Windows1252
	case "iso-8859-1", "latin1":
		enc = charmap.ISO8859_1
	default:
		return nil, errors.Errorf("unsupported encoding %q", d.Encoding)
	}
	return unicode.BOMOverride(enc.NewDecoder()), nil
}

// DelimitedResult counts what one file produced.
type DelimitedResult struct {
	Rows      int64
	ErrorRows int64
}

// LoadDelimited streams r into the RAW table. Headers are matched to the
// table's columns case-insensitively after HeaderMap is applied; without a
// header, fields map by position. Each field is converted to its column's
// type; empty fields become NULL. Rows that cannot be parsed or converted
// are counted as error rows and skipped.
//
// Rows are written in batches of batchSize and ctx is polled between
// batches. tl may be nil.
func LoadDelimited(
	ctx context.Context,
	r io.Reader,
	d Delimited,
	db *storage.Database,
	table string,
	batchSize int,
	tl *audit.TableLoadInfo,
	log logger.Logger,
) (DelimitedResult, error) {
	var res DelimitedResult
	if log == nil {
		log = logger.NopLogger
	}
	cols, err := db.DiscoverColumns(ctx, table)
	if err != nil {
		return res, err
	}
	if len(cols) == 0 {
		return res, errors.Errorf("RAW table %s has no columns", table)
	}
	dec, err := d.Decoder()
	if err != nil {
		return res, err
	}

	cr := csv.NewReader(transform.NewReader(r, dec))
	if d.Comma != 0 {
		cr.Comma = d.Comma
	}
	cr.LazyQuotes = d.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	names := make([]string, len(cols))
	types := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		types[i] = c.Type
	}

	colIx := make([]int, len(cols))
	for i := range colIx {
		colIx[i] = i
	}
	if d.HasHeader {
		hdr, err := cr.Read()
		if err == io.EOF {
			log.Infof("attach: %s: empty file", table)
			return res, nil
		}
		if err != nil {
			return res, errors.Wrap(err, "read header")
		}
		if colIx, err = mapHeader(hdr, names, d.HeaderMap, log); err != nil {
			return res, err
		}
	}

	p := compilePlan(types, d.DateLayout)
	rows := make(chan []any, batchSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rows)
		raw := make([]string, len(cols))
		for {
			rec, err := cr.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					log.Warnf("attach: %s: line %d: %v", table, pe.Line, pe.Err)
					res.ErrorRows++
					continue
				}
				return errors.Wrap(err, "read")
			}
			for t, si := range colIx {
				if si < 0 || si >= len(rec) {
					raw[t] = ""
				} else {
					raw[t] = rec[si]
				}
			}
			vals := make([]any, len(cols))
			if err := p.apply(vals, raw, d.TrimSpace); err != nil {
				line, _ := cr.FieldPos(0)
				log.Warnf("attach: %s: line %d: %v", table, line, err)
				res.ErrorRows++
				continue
			}
			select {
			case rows <- vals:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		copyFn := db.CopyInto(table)
		n, err := storage.LoadBatches(gctx, log, names, rows, batchSize, func(ctx context.Context, columns []string, batch [][]any) (int64, error) {
			n, err := copyFn(ctx, columns, batch)
			if n > 0 {
				_ = tl.IncrementInserts(n)
			}
			return n, err
		})
		res.Rows = n
		return err
	})

	err = g.Wait()
	if res.ErrorRows > 0 {
		_ = tl.IncrementErrorRows(res.ErrorRows)
	}
	if err == nil {
		err = ctx.Err()
	}
	return res, err
}

// mapHeader returns, per RAW column, the index of the source field that
// feeds it or -1.
func mapHeader(hdr, columns []string, headerMap map[string]string, log logger.Logger) ([]int, error) {
	byName := make(map[string]int, len(hdr))
	// folded names are a fallback; the first field to fold to a name wins
	byFolded := make(map[string]int, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if mapped, ok := headerMap[h]; ok {
			h = mapped
		}
		byName[strings.ToLower(h)] = i
		if f := NormalizeName(h); f != "" {
			if _, dup := byFolded[f]; !dup {
				byFolded[f] = i
			}
		}
	}
	colIx := make([]int, len(columns))
	matched := 0
	used := make(map[int]bool, len(hdr))
	for t, c := range columns {
		si, ok := byName[strings.ToLower(c)]
		if !ok {
			si, ok = byFolded[NormalizeName(c)]
		}
		if ok && used[si] {
			ok = false
		}
		if !ok {
			colIx[t] = -1
			continue
		}
		colIx[t] = si
		used[si] = true
		matched++
	}
	if matched == 0 {
		return nil, errors.Errorf("no header field matches a column of the RAW table (header: %s)", strings.Join(hdr, ", "))
	}
	for i, h := range hdr {
		if !used[i] {
			log.Warnf("attach: ignoring unmapped field %q", h)
		}
	}
	return colIx, nil
}
