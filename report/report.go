// Package report holds the report and query state an embedding application edits while
// exploring a semantic view, and persists it across restarts.
//
// A Report is only ever changed through Apply, which merges an explicit Update onto it.
// The query result, loading flag and error are volatile: they live in memory and are
// never written to the store.
package report

import "encoding/json"

// Report is the persisted report/query state.
type Report struct {
	SemanticView string       `json:"semanticView,omitempty"`
	SQLQuery     string       `json:"sqlQuery,omitempty"`
	ChartType    string       `json:"chartType,omitempty"`
	LogicalQuery LogicalQuery `json:"logicalQuery"`

	// Volatile fields. Never persisted.
	Result    json.RawMessage `json:"-"`
	IsLoading bool            `json:"-"`
	Error     string          `json:"-"`
}

// Default returns an empty report.
func Default() Report {
	return Report{}
}

// Update is a partial change to a Report. Nil fields are left untouched.
type Update struct {
	SemanticView *string
	SQLQuery     *string
	ChartType    *string
	LogicalQuery *LogicalQuery

	Result    *json.RawMessage
	IsLoading *bool
	Error     *string
}

// Apply returns r with every non-nil field of u applied.
func Apply(r Report, u Update) Report {
	if u.SemanticView != nil {
		r.SemanticView = *u.SemanticView
	}
	if u.SQLQuery != nil {
		r.SQLQuery = *u.SQLQuery
	}
	if u.ChartType != nil {
		r.ChartType = *u.ChartType
	}
	if u.LogicalQuery != nil {
		r.LogicalQuery = u.LogicalQuery.clone()
	}
	if u.Result != nil {
		r.Result = *u.Result
	}
	if u.IsLoading != nil {
		r.IsLoading = *u.IsLoading
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	return r
}

// Persistable returns a copy of r with the volatile fields cleared.
func (r Report) Persistable() Report {
	r.Result = nil
	r.IsLoading = false
	r.Error = ""
	r.LogicalQuery = r.LogicalQuery.clone()
	return r
}

// String returns a pointer to s, for building an Update.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building an Update.
func Bool(b bool) *bool { return &b }
