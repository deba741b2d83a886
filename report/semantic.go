package report

import "strings"

// View is a semantic view as described by the reporting API's meta endpoint.
type View struct {
	Name       string  `json:"name"`
	Title      string  `json:"title,omitempty"`
	Type       string  `json:"type,omitempty"`
	Dimensions []Field `json:"dimensions,omitempty"`
	Measures   []Field `json:"measures,omitempty"`
}

// Field is a dimension or measure of a view. AliasMember names the cube member the
// field is projected from, e.g. "orders.status".
type Field struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	ShortTitle  string `json:"shortTitle,omitempty"`
	Type        string `json:"type,omitempty"`
	AliasMember string `json:"aliasMember,omitempty"`
}

// Cube returns the cube the field belongs to, or "" when it has no alias.
func (f Field) Cube() string {
	cube, _, _ := strings.Cut(f.AliasMember, ".")
	return cube
}

// GroupedMember is a view field annotated for display.
type GroupedMember struct {
	Field
	MemberType MemberType `json:"memberType"`
	Selected   bool       `json:"isSelected"`
}

// CubeGroup is the members of a view that originate from one cube.
type CubeGroup struct {
	Cube    string          `json:"cube"`
	Members []GroupedMember `json:"members"`
}

// GroupMembersByCube groups the fields of v by the cube they are aliased from.
// Fields without an alias are grouped under the view's own name. Groups appear in
// first-seen order with dimensions ahead of measures; q marks selected members and
// may be nil.
func GroupMembersByCube(v View, q *LogicalQuery) []CubeGroup {
	var groups []CubeGroup
	index := make(map[string]int)

	add := func(f Field, t MemberType) {
		cube := f.Cube()
		if cube == "" {
			cube = v.Name
		}
		i, ok := index[cube]
		if !ok {
			i = len(groups)
			index[cube] = i
			groups = append(groups, CubeGroup{Cube: cube})
		}
		groups[i].Members = append(groups[i].Members, GroupedMember{
			Field:      f,
			MemberType: t,
			Selected:   q != nil && q.IsSelected(f.Name, t),
		})
	}

	for _, f := range v.Dimensions {
		add(f, Dimension)
	}
	for _, f := range v.Measures {
		add(f, Measure)
	}
	return groups
}

// FindView returns the view called name.
func FindView(views []View, name string) (View, bool) {
	for _, v := range views {
		if v.Name == name {
			return v, true
		}
	}
	return View{}, false
}

// FindField returns the first dimension or measure called name across views, and
// its member type.
func FindField(views []View, name string) (Field, MemberType, bool) {
	for _, v := range views {
		for _, f := range v.Dimensions {
			if f.Name == name {
				return f, Dimension, true
			}
		}
		for _, f := range v.Measures {
			if f.Name == name {
				return f, Measure, true
			}
		}
	}
	return Field{}, "", false
}

// Filter operators.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
)

// Operator is a filter operator and its display label.
type Operator struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

var filterOperators = map[string][]Operator{
	"string": {
		{OpEquals, "equals"},
		{OpNotEquals, "not equals"},
		{OpContains, "contains"},
		{OpNotContains, "not contains"},
		{OpStartsWith, "starts with"},
		{OpEndsWith, "ends with"},
	},
	"number": {
		{OpEquals, "equals"},
		{OpNotEquals, "not equals"},
		{OpGreaterThan, "greater than"},
		{OpLessThan, "less than"},
		{OpGreaterThanOrEqual, "greater than or equal"},
		{OpLessThanOrEqual, "less than or equal"},
	},
	"time": {
		{OpEquals, "equals"},
		{OpNotEquals, "not equals"},
		{OpGreaterThan, "after"},
		{OpLessThan, "before"},
	},
}

// FilterOperators returns the operators available for a field type. Unknown or
// empty types get the string operators.
func FilterOperators(fieldType string) []Operator {
	ops, ok := filterOperators[fieldType]
	if !ok {
		ops = filterOperators["string"]
	}
	out := make([]Operator, len(ops))
	copy(out, ops)
	return out
}

// IsValidOperator reports whether op is offered for fieldType.
func IsValidOperator(fieldType, op string) bool {
	for _, o := range FilterOperators(fieldType) {
		if o.Value == op {
			return true
		}
	}
	return false
}
