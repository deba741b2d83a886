package report

import (
	"bytes"
	"encoding/json"
	"slices"
)

// MemberType distinguishes dimensions from measures.
type MemberType string

const (
	Dimension MemberType = "dimension"
	Measure   MemberType = "measure"
)

// Member references a view member selected in a query.
type Member struct {
	Name string `json:"name"`
}

// UnmarshalJSON accepts both the bare-name form "orders.status" and the
// object form {"name":"orders.status"}.
func (m *Member) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &m.Name)
	}

	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.Name = obj.Name
	return nil
}

// Filter constrains a member with an operator and value.
type Filter struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Value      any        `json:"value,omitempty"`
	MemberType MemberType `json:"memberType"`
}

// LogicalQuery is the member selection and filters of a report.
type LogicalQuery struct {
	SemanticView string   `json:"semanticView,omitempty"`
	Dimensions   []Member `json:"dimensions,omitempty"`
	Measures     []Member `json:"measures,omitempty"`
	Filters      []Filter `json:"filters,omitempty"`
}

func (q LogicalQuery) clone() LogicalQuery {
	q.Dimensions = slices.Clone(q.Dimensions)
	q.Measures = slices.Clone(q.Measures)
	q.Filters = slices.Clone(q.Filters)
	return q
}

func (q LogicalQuery) members(t MemberType) []Member {
	if t == Measure {
		return q.Measures
	}
	return q.Dimensions
}

func (q *LogicalQuery) setMembers(t MemberType, members []Member) {
	if t == Measure {
		q.Measures = members
		return
	}
	q.Dimensions = members
}

// IsSelected reports whether the named member of type t is part of the query.
func (q LogicalQuery) IsSelected(name string, t MemberType) bool {
	return slices.ContainsFunc(q.members(t), func(m Member) bool {
		return m.Name == name
	})
}

// ToggleMember returns a query for view with the named member removed if it was
// selected, or appended otherwise.
func (q LogicalQuery) ToggleMember(view, name string, t MemberType) LogicalQuery {
	out := q.clone()
	out.SemanticView = view

	current := out.members(t)
	if q.IsSelected(name, t) {
		out.setMembers(t, slices.DeleteFunc(current, func(m Member) bool {
			return m.Name == name
		}))
		return out
	}
	out.setMembers(t, append(current, Member{Name: name}))
	return out
}

// SetFilter returns a query for view where any filter on name is replaced by a new
// dimension filter. An "equals" filter stores its value as a one-element list.
func (q LogicalQuery) SetFilter(view, name, op, value string) LogicalQuery {
	var v any = value
	if op == OpEquals {
		v = []string{value}
	}

	out := q.RemoveFilter(view, name)
	out.Filters = append(out.Filters, Filter{
		Name:       name,
		Type:       op,
		Value:      v,
		MemberType: Dimension,
	})
	return out
}

// SetFilterOperator returns a query for view with the operator of the filter on name
// changed and its value kept as is. Unknown names are added with no value.
func (q LogicalQuery) SetFilterOperator(view, name, op string) LogicalQuery {
	var value any
	for _, f := range q.Filters {
		if f.Name == name {
			value = f.Value
		}
	}

	out := q.RemoveFilter(view, name)
	out.Filters = append(out.Filters, Filter{
		Name:       name,
		Type:       op,
		Value:      value,
		MemberType: Dimension,
	})
	return out
}

// RemoveFilter returns a query for view without any filter on name.
func (q LogicalQuery) RemoveFilter(view, name string) LogicalQuery {
	out := q.clone()
	out.SemanticView = view
	out.Filters = slices.DeleteFunc(out.Filters, func(f Filter) bool {
		return f.Name == name
	})
	return out
}

// FilterDisplayValue returns the value shown for a filter: the first element of a
// list value, or the value itself.
func FilterDisplayValue(f Filter) string {
	switch v := f.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		if len(v) == 0 {
			return ""
		}
		return v[0]
	case []any:
		if len(v) == 0 {
			return ""
		}
		if s, ok := v[0].(string); ok {
			return s
		}
		b, _ := json.Marshal(v[0])
		return string(b)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
