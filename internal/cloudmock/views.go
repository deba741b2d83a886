package cloudmock

import "github.com/blackwell-systems/embedauth/report"

// DefaultViews returns a small semantic model: one view projecting members of the
// orders, customers and line_items cubes.
func DefaultViews() []report.View {
	return []report.View{
		{
			Name:  "orders_view",
			Title: "Orders",
			Type:  "view",
			Dimensions: []report.Field{
				{Name: "orders_view.status", Title: "Status", Type: "string", AliasMember: "orders.status"},
				{Name: "orders_view.created_at", Title: "Created at", Type: "time", AliasMember: "orders.created_at"},
				{Name: "orders_view.city", Title: "City", Type: "string", AliasMember: "customers.city"},
			},
			Measures: []report.Field{
				{Name: "orders_view.count", Title: "Count", Type: "number", AliasMember: "orders.count"},
				{Name: "orders_view.total_amount", Title: "Total amount", Type: "number", AliasMember: "line_items.total_amount"},
			},
		},
	}
}
