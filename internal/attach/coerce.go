package attach

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/HDRUK/RDMP-sub001/internal/dialect"
)

// coercer converts one trimmed, non-empty field.
type coercer func(s string) (any, error)

// plan holds one coercer per RAW column, compiled once per file so the row
// loop does no type lookups.
type plan []coercer

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	time.DateOnly,
	"02/01/2006",
	"02.01.2006",
}

func compilePlan(types []string, dateLayout string) plan {
	layouts := dateLayouts
	if dateLayout != "" {
		layouts = append([]string{dateLayout}, dateLayouts...)
	}
	p := make(plan, len(types))
	for i, typ := range types {
		switch dialect.TypeFamilyOf(typ) {
		case dialect.FamilyInteger:
			p[i] = toInt
		case dialect.FamilyDecimal:
			p[i] = toDecimal
		case dialect.FamilyFloat:
			p[i] = toFloat
		case dialect.FamilyBool:
			p[i] = toBool
		case dialect.FamilyDate:
			p[i] = func(s string) (any, error) { return toDate(s, layouts) }
		case dialect.FamilyBinary:
			p[i] = func(s string) (any, error) { return []byte(s), nil }
		default:
			p[i] = func(s string) (any, error) { return s, nil }
		}
	}
	return p
}

// apply converts raw into dst. Empty fields become NULL.
func (p plan) apply(dst []any, raw []string, trim bool) error {
	for i, s := range raw {
		if trim {
			s = strings.TrimSpace(s)
		}
		if s == "" {
			dst[i] = nil
			continue
		}
		v, err := p[i](s)
		if err != nil {
			return errors.Wrapf(err, "column %d", i+1)
		}
		dst[i] = v
	}
	return nil
}

// toInt accepts "42" and "42.0".
func toInt(s string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f), nil
		}
	}
	return nil, errors.Errorf("%q is not an integer", s)
}

func toDecimal(s string) (any, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Errorf("%q is not a decimal", s)
	}
	return d, nil
}

func toFloat(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Errorf("%q is not a number", s)
	}
	return f, nil
}

func toBool(s string) (any, error) {
	switch strings.ToLower(s) {
	case "1", "t", "true", "yes", "y":
		return true, nil
	case "0", "f", "false", "no", "n":
		return false, nil
	}
	return nil, errors.Errorf("%q is not a boolean", s)
}

func toDate(s string, layouts []string) (any, error) {
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return nil, errors.Errorf("%q is not a date", s)
}
