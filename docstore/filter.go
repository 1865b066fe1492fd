// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docstore

// Op identifies a filter condition operator.
type Op int

const (
	// OpEq matches documents whose field equals the condition value.
	// A nil value matches documents where the field is null or absent.
	OpEq Op = iota

	// OpIn matches documents whose field equals any of the condition values.
	OpIn

	// OpNotIn matches documents whose field equals none of the condition
	// values, including documents missing the field.
	OpNotIn

	// OpExists matches on field presence. The condition value is a bool.
	OpExists
)

// Cond is a single condition on one (possibly dotted) field path.
type Cond struct {
	Field  string
	Op     Op
	Value  any
	Values []any
}

// Filter is a conjunction of conditions. The zero value matches every
// document.
type Filter struct {
	Conds []Cond
}

// Eq builds an equality filter. A nil value matches null-or-absent fields,
// mirroring MongoDB's {field: null} semantics.
func Eq(field string, value any) Filter {
	return Filter{Conds: []Cond{{Field: field, Op: OpEq, Value: value}}}
}

// In builds a membership filter.
func In(field string, values ...any) Filter {
	return Filter{Conds: []Cond{{Field: field, Op: OpIn, Values: values}}}
}

// NotIn builds a negated membership filter. Documents missing the field
// match.
func NotIn(field string, values ...any) Filter {
	return Filter{Conds: []Cond{{Field: field, Op: OpNotIn, Values: values}}}
}

// Exists builds a field-presence filter.
func Exists(field string, present bool) Filter {
	return Filter{Conds: []Cond{{Field: field, Op: OpExists, Value: present}}}
}

// Null matches documents where the field is null or absent.
func Null(field string) Filter {
	return Eq(field, nil)
}

// And merges filters into one conjunction.
func And(filters ...Filter) Filter {
	var out Filter
	for _, f := range filters {
		out.Conds = append(out.Conds, f.Conds...)
	}
	return out
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool { return len(f.Conds) == 0 }

// Matches evaluates the filter against a document. Used by the in-process
// backends; mongostore translates filters to BSON instead.
func (f Filter) Matches(doc Document) bool {
	for _, c := range f.Conds {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

func (c Cond) matches(doc Document) bool {
	v, present := GetPath(doc, c.Field)
	switch c.Op {
	case OpEq:
		if c.Value == nil {
			return !present || v == nil
		}
		return present && ValueEqual(v, c.Value)
	case OpIn:
		if !present {
			return false
		}
		for _, want := range c.Values {
			if ValueEqual(v, want) {
				return true
			}
		}
		return false
	case OpNotIn:
		if !present {
			return true
		}
		for _, want := range c.Values {
			if ValueEqual(v, want) {
				return false
			}
		}
		return true
	case OpExists:
		want, _ := c.Value.(bool)
		return present == want
	default:
		return false
	}
}

// Update is a set of field assignments applied by UpdateMany. Paths may be
// dotted.
type Update struct {
	Sets map[string]any
}

// Set builds an update assigning one field.
func Set(field string, value any) Update {
	return Update{Sets: map[string]any{field: value}}
}

// Merge combines two updates; assignments in other win on collision.
func (u Update) Merge(other Update) Update {
	out := Update{Sets: make(map[string]any, len(u.Sets)+len(other.Sets))}
	for k, v := range u.Sets {
		out.Sets[k] = v
	}
	for k, v := range other.Sets {
		out.Sets[k] = v
	}
	return out
}

// Apply mutates the document in place.
func (u Update) Apply(doc Document) {
	for path, v := range u.Sets {
		SetPath(doc, path, cloneValue(v))
	}
}
