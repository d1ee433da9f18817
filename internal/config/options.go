package config

import (
	"encoding/json"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HDRUK/RDMP-sub001/internal/storage"
)

// Options is a free-form bag interpreted by the component that owns it.
// Getters perform light coercion and return def when the key is absent or of
// an unexpected type. JSON numbers arrive as float64 and YAML numbers as int;
// both are accepted.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def. The strings "true" and
// "false" are accepted.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns the integer value for key or def.
func (o Options) Int(key string, def int) int {
	switch n := o[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def.
func (o Options) Rune(key string, def rune) rune {
	if s, ok := o[key].(string); ok && len(s) > 0 {
		return []rune(s)[0]
	}
	return def
}

// Duration accepts a Go duration string ("90s") or a number of
// milliseconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	}
	return def
}

// Time accepts RFC 3339 timestamps or YYYY-MM-DD dates (UTC).
func (o Options) Time(key string, def time.Time) time.Time {
	switch v := o[key].(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	case time.Time:
		return v.UTC()
	}
	return def
}

// StringMap returns an object whose values are strings. Non-string values
// are ignored.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if m, ok := o[key].(map[string]any); ok {
		for k, vv := range m {
			if s, ok := vv.(string); ok {
				res[k] = s
			}
		}
	}
	return res
}

// StringSlice returns an array of strings, or nil.
func (o Options) StringSlice(key string) []string {
	switch vv := o[key].(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	}
	return nil
}

// Sub returns a nested object as Options, or an empty bag.
func (o Options) Sub(key string) Options {
	if m, ok := o[key].(map[string]any); ok {
		return Options(m)
	}
	return Options{}
}

// Storage decodes a nested {kind, dsn, database} object.
func (o Options) Storage(key string) storage.Config {
	s := o.Sub(key)
	return storage.Config{
		Kind:         s.String("kind", ""),
		DSN:          s.String("dsn", ""),
		Database:     s.String("database", ""),
		MaxOpenConns: s.Int("max_open_conns", 0),
	}
}

// Any returns the raw value for key.
func (o Options) Any(key string) any { return o[key] }

// expand replaces ${VAR} in every string value, recursing into objects.
func (o Options) expand(getenv func(string) string) {
	for k, v := range o {
		switch vv := v.(type) {
		case string:
			o[k] = expandVars(vv, getenv)
		case map[string]any:
			Options(vv).expand(getenv)
		}
	}
}

// UnmarshalJSON decodes a missing or null object to an empty, non-nil bag.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML documents.
func (o *Options) UnmarshalYAML(n *yaml.Node) error {
	var tmp map[string]any
	if err := n.Decode(&tmp); err != nil {
		return err
	}
	if tmp == nil {
		tmp = map[string]any{}
	}
	*o = Options(tmp)
	return nil
}
