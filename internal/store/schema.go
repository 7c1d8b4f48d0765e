package store

import (
	"fmt"
	"strings"
)

type Kind int

const (
	String Kind = iota
	Float
	Int
	Bool
	JSON
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Float:
		return "float"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Columns present on every table.
const (
	ColID        = "id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColCreatedBy = "created_by"
	ColUpdatedBy = "updated_by"
	ColDeletedAt = "deleted_at"
)

var baseColumns = []string{ColID, ColCreatedAt, ColUpdatedAt, ColCreatedBy, ColUpdatedBy, ColDeletedAt}

type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Nullable bool
	// ReadOnly fields are set on create and rejected on update.
	ReadOnly bool
	Default  any
	Enum     []any
	MaxLen   int
}

// UniqueKey is a group of fields whose values must be unique among live rows.
// When names a bool field; the group only applies to rows where it is true.
type UniqueKey struct {
	Name   string
	Fields []string
	When   string
}

// Schema describes one soft-deletable resource.
type Schema struct {
	Resource   string
	Table      string
	Scope      []string
	Fields     []Field
	UniqueKeys []UniqueKey
	// Ordering terms are field names, prefixed with "-" for descending.
	Ordering []string
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) isScope(name string) bool {
	for _, c := range s.Scope {
		if c == name {
			return true
		}
	}
	return false
}

func (s Schema) isColumn(name string) bool {
	if _, ok := s.Field(name); ok {
		return true
	}
	for _, c := range baseColumns {
		if c == name {
			return true
		}
	}
	return false
}

func (s Schema) columns() []string {
	cols := make([]string, 0, len(s.Fields)+len(baseColumns))
	cols = append(cols, ColID)
	for _, f := range s.Fields {
		cols = append(cols, f.Name)
	}
	return append(cols, ColCreatedAt, ColUpdatedAt, ColCreatedBy, ColUpdatedBy, ColDeletedAt)
}

// Validate checks the descriptor is internally consistent.
func (s Schema) Validate() error {
	if s.Resource == "" || s.Table == "" {
		return fmt.Errorf("schema requires resource and table")
	}
	if len(s.Scope) == 0 {
		return fmt.Errorf("schema %s: at least one scope field required", s.Resource)
	}
	seen := map[string]bool{}
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: unnamed field", s.Resource)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %s", s.Resource, f.Name)
		}
		for _, b := range baseColumns {
			if b == f.Name {
				return fmt.Errorf("schema %s: field %s shadows a base column", s.Resource, f.Name)
			}
		}
		seen[f.Name] = true
	}
	for _, c := range s.Scope {
		f, ok := s.Field(c)
		if !ok {
			return fmt.Errorf("schema %s: scope field %s is not declared", s.Resource, c)
		}
		if !f.Required || !f.ReadOnly {
			return fmt.Errorf("schema %s: scope field %s must be required and read-only", s.Resource, c)
		}
	}
	for _, k := range s.UniqueKeys {
		if k.Name == "" || len(k.Fields) == 0 {
			return fmt.Errorf("schema %s: unique key needs a name and fields", s.Resource)
		}
		for _, name := range k.Fields {
			if _, ok := s.Field(name); !ok {
				return fmt.Errorf("schema %s: unique key %s references unknown field %s", s.Resource, k.Name, name)
			}
		}
		if k.When != "" {
			f, ok := s.Field(k.When)
			if !ok || f.Kind != Bool {
				return fmt.Errorf("schema %s: unique key %s condition must be a bool field", s.Resource, k.Name)
			}
		}
	}
	for _, term := range s.Ordering {
		if !s.isColumn(strings.TrimPrefix(term, "-")) {
			return fmt.Errorf("schema %s: ordering references unknown column %s", s.Resource, term)
		}
	}
	return nil
}

// IndexDDL returns the partial unique indexes enforcing UniqueKeys among live rows.
func (s Schema) IndexDDL() []string {
	out := make([]string, 0, len(s.UniqueKeys))
	for _, k := range s.UniqueKeys {
		where := ColDeletedAt + " IS NULL"
		if k.When != "" {
			where += " AND " + k.When
		}
		out = append(out, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s) WHERE %s",
			k.Name, s.Table, strings.Join(k.Fields, ", "), where))
	}
	return out
}

func (s Schema) keyForViolation(constraint string, columns []string) (UniqueKey, bool) {
	for _, k := range s.UniqueKeys {
		if constraint != "" && k.Name == constraint {
			return k, true
		}
		if constraint == "" && sameSet(k.Fields, columns) {
			return k, true
		}
	}
	return UniqueKey{}, false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[string]bool, len(a))
	for _, v := range a {
		m[v] = true
	}
	for _, v := range b {
		if !m[v] {
			return false
		}
	}
	return true
}
