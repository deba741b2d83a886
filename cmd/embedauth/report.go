package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/embedauth/report"
)

func newReportCommand(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show or edit the persisted report",
	}
	cmd.AddCommand(
		newReportShowCommand(d),
		newReportSetCommand(d),
		newReportToggleCommand(d),
		newReportFilterCommand(d),
		newReportUnfilterCommand(d),
		newReportClearCommand(d),
	)
	return cmd
}

func newReportShowCommand(d deps) *cobra.Command {
	return &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "show",
		Short: "Print the persisted report as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
				return writeJSON(cmd.OutOrStdout(), a.tracker(ctx).Report())
			})
		},
	}
}

func newReportSetCommand(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "set",
		Short: "Set the semantic view, SQL query or chart type",
	}
	f := cmd.Flags()
	view := f.String("view", "", "Semantic view")
	sql := f.String("sql", "", "SQL query")
	chart := f.String("chart", "", "Chart type")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		var u report.Update
		if f.Changed("view") {
			u.SemanticView = view
		}
		if f.Changed("sql") {
			u.SQLQuery = sql
		}
		if f.Changed("chart") {
			u.ChartType = chart
		}
		if u == (report.Update{}) {
			return errors.New("nothing to set: pass --view, --sql or --chart")
		}

		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			return writeJSON(cmd.OutOrStdout(), a.tracker(ctx).Update(ctx, u))
		})
	}
	return cmd
}

// queryView returns the view a query edit applies to: the flag value, else the
// report's current semantic view.
func queryView(flagValue string, r report.Report) (string, error) {
	switch {
	case flagValue != "":
		return flagValue, nil
	case r.LogicalQuery.SemanticView != "":
		return r.LogicalQuery.SemanticView, nil
	case r.SemanticView != "":
		return r.SemanticView, nil
	}
	return "", errors.New("no semantic view selected: pass --view or run 'report set --view'")
}

func newReportToggleCommand(d deps) *cobra.Command {
	var (
		view    string
		measure bool
	)

	cmd := &cobra.Command{
		Args:  cobra.ExactArgs(1),
		Use:   "toggle MEMBER",
		Short: "Add a member to the query, or remove it when already selected",
	}
	cmd.Flags().StringVar(&view, "view", "", "Semantic view (default: the report's view)")
	cmd.Flags().BoolVar(&measure, "measure", false, "The member is a measure (default: dimension)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		t := report.Dimension
		if measure {
			t = report.Measure
		}
		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			tr := a.tracker(ctx)
			current := tr.Report()
			v, err := queryView(view, current)
			if err != nil {
				return err
			}
			q := current.LogicalQuery.ToggleMember(v, args[0], t)
			return writeJSON(cmd.OutOrStdout(), tr.Update(ctx, report.Update{LogicalQuery: &q}))
		})
	}
	return cmd
}

func newReportFilterCommand(d deps) *cobra.Command {
	var view, op, value string

	cmd := &cobra.Command{
		Args:  cobra.ExactArgs(1),
		Use:   "filter MEMBER",
		Short: "Add or replace the filter on a member",
		Long:  "filter looks the member up in the deployment's semantic views and checks the operator against the member's type before saving the filter. Without --value only the operator of an existing filter is changed.",
	}
	f := cmd.Flags()
	f.StringVar(&view, "view", "", "Semantic view (default: the report's view)")
	f.StringVar(&op, "op", report.OpEquals, "Filter operator")
	f.StringVar(&value, "value", "", "Filter value")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		name := args[0]
		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			tr := a.tracker(ctx)
			current := tr.Report()
			v, err := queryView(view, current)
			if err != nil {
				return err
			}

			views, err := a.views(ctx)
			if err != nil {
				return err
			}
			sv, ok := report.FindView(views, v)
			if !ok {
				return fmt.Errorf("semantic view %q not found", v)
			}
			field, _, ok := report.FindField([]report.View{sv}, name)
			if !ok {
				return fmt.Errorf("member %q not found in view %q", name, v)
			}
			if !report.IsValidOperator(field.Type, op) {
				return fmt.Errorf("operator %q is not valid for %s member %q", op, field.Type, name)
			}

			var q report.LogicalQuery
			if cmd.Flags().Changed("value") {
				q = current.LogicalQuery.SetFilter(v, name, op, value)
			} else {
				q = current.LogicalQuery.SetFilterOperator(v, name, op)
			}
			return writeJSON(cmd.OutOrStdout(), tr.Update(ctx, report.Update{LogicalQuery: &q}))
		})
	}
	return cmd
}

func newReportUnfilterCommand(d deps) *cobra.Command {
	var view string

	cmd := &cobra.Command{
		Args:  cobra.ExactArgs(1),
		Use:   "unfilter MEMBER",
		Short: "Remove the filter on a member",
	}
	cmd.Flags().StringVar(&view, "view", "", "Semantic view (default: the report's view)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			tr := a.tracker(ctx)
			current := tr.Report()
			v, err := queryView(view, current)
			if err != nil {
				return err
			}
			q := current.LogicalQuery.RemoveFilter(v, args[0])
			return writeJSON(cmd.OutOrStdout(), tr.Update(ctx, report.Update{LogicalQuery: &q}))
		})
	}
	return cmd
}

func newReportClearCommand(d deps) *cobra.Command {
	return &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "clear",
		Short: "Reset the report to its defaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
				return writeJSON(cmd.OutOrStdout(), a.tracker(ctx).Reset(ctx))
			})
		},
	}
}
