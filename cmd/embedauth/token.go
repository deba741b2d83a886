package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/embedauth"
)

func newTokenCommand(d deps) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "token",
		Short: "Print the reporting API URL and token",
		Long:  "token runs the session exchange when no valid embed token is cached, then prints the deployment's reporting API URL and an API token.",
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format (json, env)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if format != "json" && format != "env" {
			return fmt.Errorf("unsupported format %q", format)
		}
		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			ep, err := a.endpoint(ctx)
			if err != nil {
				return err
			}
			return writeEndpoint(cmd.OutOrStdout(), format, ep)
		})
	}
	return cmd
}

func writeEndpoint(w io.Writer, format string, ep embedauth.Endpoint) error {
	if format == "env" {
		_, err := fmt.Fprintf(w, "CUBE_API_URL=%s\nCUBE_API_TOKEN=%s\n", ep.APIURL, ep.APIToken)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ep)
}

func newStatusCommand(d deps) *cobra.Command {
	return &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "status",
		Short: "Show the cached embed token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
				return writeStatus(ctx, cmd.OutOrStdout(), a, time.Now())
			})
		},
	}
}

func writeStatus(ctx context.Context, w io.Writer, a *app, now time.Time) error {
	fmt.Fprintf(w, "Store: %s\n", a.store.Name())

	cred, err := a.cache.Inspect(ctx)
	switch {
	case errors.Is(err, embedauth.ErrNotFound):
		_, err = fmt.Fprintln(w, "Credential: none")
		return err
	case errors.Is(err, embedauth.ErrMalformedToken):
		_, err = fmt.Fprintln(w, "Credential: malformed")
		return err
	case err != nil:
		return fmt.Errorf("could not read credential: %w", err)
	}

	state := "valid"
	if cred.IsExpired(now) {
		state = "expired"
	}
	_, err = fmt.Fprintf(w, "Credential: %s\nExpires: %s\n", state, cred.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

func newLogoutCommand(d deps) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "logout",
		Short: "Remove the cached embed token",
	}
	cmd.Flags().BoolVar(&all, "all", false, "Also remove the persisted report")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			if err := a.cache.Clear(ctx); err != nil {
				return fmt.Errorf("could not remove credential: %w", err)
			}
			if all {
				if err := a.persister().Clear(ctx); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return err
		})
	}
	return cmd
}
