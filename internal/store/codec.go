package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// Record is a resource row keyed by column name.
type Record map[string]any

// Scope binds the ownership columns every call must filter on.
type Scope map[string]any

// Filter narrows a listing by equality on columns; a nil value matches NULL.
type Filter map[string]any

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(TimeLayout, v)
}

func (r Record) String(name string) string {
	v, _ := r[name].(string)
	return v
}

func (r Record) Float(name string) float64 {
	v, _ := r[name].(float64)
	return v
}

func (r Record) Int(name string) int64 {
	v, _ := r[name].(int64)
	return v
}

func (r Record) Bool(name string) bool {
	v, _ := r[name].(bool)
	return v
}

func (r Record) Time(name string) time.Time {
	v, _ := r[name].(time.Time)
	return v
}

// ID returns the record identifier.
func (r Record) ID() string { return r.String(ColID) }

// Deleted reports whether the record carries a soft-delete stamp.
func (r Record) Deleted() bool {
	_, ok := r[ColDeletedAt].(time.Time)
	return ok
}

func (r Record) clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// coerce normalizes a caller supplied value to the field's Go representation.
func coerce(f Field, v any) (any, error) {
	if v == nil {
		if f.Nullable || (f.Kind == JSON && !f.Required) {
			return nil, nil
		}
		return nil, invalid(f.Name, "must not be null")
	}
	var out any
	switch f.Kind {
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, invalid(f.Name, "must be a string")
		}
		if f.Required && s == "" {
			return nil, invalid(f.Name, "must not be empty")
		}
		if f.MaxLen > 0 && utf8.RuneCountInString(s) > f.MaxLen {
			return nil, invalid(f.Name, "must be at most %d characters", f.MaxLen)
		}
		out = s
	case Float:
		n, ok := toFloat(v)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, invalid(f.Name, "must be a number")
		}
		out = n
	case Int:
		n, ok := toFloat(v)
		if !ok || n != math.Trunc(n) {
			return nil, invalid(f.Name, "must be an integer")
		}
		out = int64(n)
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid(f.Name, "must be a boolean")
		}
		out = b
	case JSON:
		if _, err := json.Marshal(v); err != nil {
			return nil, invalid(f.Name, "must be JSON encodable")
		}
		out = v
	default:
		return nil, fmt.Errorf("field %s: unsupported kind %s", f.Name, f.Kind)
	}
	if len(f.Enum) > 0 && !inEnum(f.Enum, out) {
		return nil, invalid(f.Name, "must be one of %v", f.Enum)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

// encode converts a coerced value into a driver argument.
func encode(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if f.Kind == JSON {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return v, nil
}

func scanTarget(f Field) any {
	switch f.Kind {
	case Float:
		return new(sql.NullFloat64)
	case Int:
		return new(sql.NullInt64)
	case Bool:
		return new(sql.NullBool)
	default:
		return new(sql.NullString)
	}
}

func decode(f Field, dest any) (any, error) {
	switch d := dest.(type) {
	case *sql.NullFloat64:
		if !d.Valid {
			return nil, nil
		}
		return d.Float64, nil
	case *sql.NullInt64:
		if !d.Valid {
			return nil, nil
		}
		return d.Int64, nil
	case *sql.NullBool:
		if !d.Valid {
			return nil, nil
		}
		return d.Bool, nil
	case *sql.NullString:
		if !d.Valid {
			return nil, nil
		}
		if f.Kind == JSON {
			var v any
			if err := json.Unmarshal([]byte(d.String), &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
			return v, nil
		}
		return d.String, nil
	}
	return nil, fmt.Errorf("decode %s: unexpected target %T", f.Name, dest)
}
