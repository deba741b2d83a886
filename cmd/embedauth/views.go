package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/embedauth/report"
)

func newViewsCommand(d deps) *cobra.Command {
	var (
		view   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "views",
		Short: "List semantic views, or the members of one view grouped by cube",
	}
	f := cmd.Flags()
	f.StringVar(&view, "view", "", "Show the members of this view")
	f.BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			views, err := a.views(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if view == "" {
				if asJSON {
					return writeJSON(out, views)
				}
				return writeViews(out, views)
			}

			v, ok := report.FindView(views, view)
			if !ok {
				return fmt.Errorf("semantic view %q not found", view)
			}
			query := a.tracker(ctx).Report().LogicalQuery
			groups := report.GroupMembersByCube(v, &query)
			if asJSON {
				return writeJSON(out, groups)
			}
			return writeGroups(out, groups)
		})
	}
	return cmd
}

func writeViews(w io.Writer, views []report.View) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTITLE\tDIMENSIONS\tMEASURES")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", v.Name, v.Title, len(v.Dimensions), len(v.Measures))
	}
	return tw.Flush()
}

func writeGroups(w io.Writer, groups []report.CubeGroup) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CUBE\tMEMBER\tTYPE\tSELECTED")
	for _, g := range groups {
		for _, m := range g.Members {
			selected := ""
			if m.Selected {
				selected = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Cube, m.Name, m.MemberType, selected)
		}
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
