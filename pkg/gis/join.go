package gis

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

type FieldType string

const (
	Long   FieldType = "Long"
	Double FieldType = "Double"
	Text   FieldType = "Text"
)

// Field describes an attribute column.
type Field struct {
	Name   string
	Type   FieldType
	Length int // Text only
}

type MergeRule string

const (
	First MergeRule = "First"
	Sum   MergeRule = "Sum"
)

type Predicate string

const (
	// Contains matches join features inside the target feature.
	Contains Predicate = "CONTAINS"
	// Within matches join features the target feature lies inside.
	Within Predicate = "WITHIN"
)

// Source names the side of a join an output field is read from.
type Source int

const (
	FromTarget Source = iota
	FromJoin
)

// FieldMap describes one output field of a spatial join.
type FieldMap struct {
	Field
	Rule        MergeRule
	Source      Source
	SourceField string
}

// JoinSpec is a one-to-one spatial join: every output feature is a target feature
// carrying the merged attributes of all join features matching Predicate.
type JoinSpec struct {
	Target    Layer
	Join      Layer
	Out       string
	Predicate Predicate
	// KeepAll retains target features without matches, with null join fields.
	KeepAll bool
	Fields  []FieldMap
}

// Validate checks the join is fully described and the merge rules fit the field types.
func (s JoinSpec) Validate() error {
	if s.Target.Name == "" || s.Join.Name == "" || s.Out == "" {
		return errors.New("spatial join needs target, join and output layers")
	}
	if s.Predicate != Contains && s.Predicate != Within {
		return errors.Errorf("unsupported spatial predicate %q", s.Predicate)
	}
	if len(s.Fields) == 0 {
		return errors.New("spatial join needs at least one output field")
	}

	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" || f.SourceField == "" {
			return errors.New("field map entries need output and source names")
		}
		if _, dup := seen[f.Name]; dup {
			return errors.Errorf("duplicate output field %q", f.Name)
		}
		seen[f.Name] = struct{}{}

		if f.Rule == Sum && f.Type == Text {
			return errors.Errorf("field %q: sum requires a numeric type", f.Name)
		}
		if f.Rule != First && f.Rule != Sum {
			return errors.Errorf("field %q: unsupported merge rule %q", f.Name, f.Rule)
		}
	}

	return nil
}

// Merge applies rule to values in join order. Nulls are ignored; no values gives null.
func Merge(rule MergeRule, typ FieldType, values []any) (any, error) {
	switch rule {
	case First:
		for _, v := range values {
			if v != nil {
				return Coerce(typ, v)
			}
		}
		return nil, nil
	case Sum:
		var total float64
		var seen bool
		for _, v := range values {
			if v == nil {
				continue
			}
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			total += f
			seen = true
		}
		if !seen {
			return nil, nil
		}
		return Coerce(typ, total)
	default:
		return nil, errors.Errorf("unsupported merge rule %q", rule)
	}
}

// Coerce converts v to the Go representation of typ: int64, float64 or string.
func Coerce(typ FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch typ {
	case Long:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case float64:
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			return i, errors.Wrapf(err, "coerce %q to Long", n)
		}
	case Double:
		f, err := toFloat(v)
		return f, err
	case Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}

	return nil, errors.Errorf("cannot coerce %T to %s", v, typ)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, errors.Wrapf(err, "parse %q", n)
	}
	return 0, errors.Errorf("%T is not numeric", v)
}
