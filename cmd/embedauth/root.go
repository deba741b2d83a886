package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/embedauth"
	"github.com/blackwell-systems/embedauth/cloudapi"
)

func newRootCommand(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "embedauth",
		Short:        "Cube Cloud embed credential orchestrator",
		Long:         "embedauth exchanges an API key for an embed token, resolves the deployment's reporting API endpoint and keeps report state between runs.",
		SilenceUsage: true, // do not print usage message when commands fail
	}

	f := cmd.PersistentFlags()
	f.String("config", "", "Config file (default: ./embedauth.yaml, then $HOME/.config/embedauth/embedauth.yaml)")
	f.String("cloud-url", cloudapi.DefaultBaseURL, "Cloud API base URL")
	f.String("api-key", "", "API key used to generate embed sessions")
	f.Int("deployment-id", 0, "Target deployment id")
	f.String("external-id", embedauth.DefaultExternalID, "External user id of the embed session")
	f.Bool("ephemeral", true, "Request an ephemeral embed session")
	f.Duration("timeout", cloudapi.DefaultTimeout, "Timeout for resolving the endpoint")
	f.Uint64("retries", 0, "Retries for temporary failures (0 disables retrying)")
	f.String("store", string(embedauth.StoreFile), "Store type: file, pass, awssecrets, gcpsecrets, azurekeyvault")
	f.String("store-path", defaultStorePath(), "File store location or password store directory")
	f.String("store-prefix", "", "Key prefix inside shared stores")
	f.StringToString("store-opt", nil, "Store-specific options, e.g. region=us-east-1,project_id=p")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "console", "Log format (console, json)")

	cmd.AddCommand(
		newTokenCommand(d),
		newStatusCommand(d),
		newLogoutCommand(d),
		newViewsCommand(d),
		newReportCommand(d),
		newServeCommand(d),
	)
	return cmd
}

// runWithApp loads configuration, builds the app and runs fn with it.
func runWithApp(cmd *cobra.Command, d deps, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, d)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
