// Package cmd defines the CLI commands for the pipeline executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/discovery-pipeline/internal/app"
	"github.com/JakeFAU/discovery-pipeline/internal/config"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// errInvocationFailed is returned after a failure response has been printed.
var errInvocationFailed = errors.New("invocation failed")

// buildApp is the application factory. Tests replace it to adjust the
// loaded configuration.
var buildApp = func(ctx context.Context, cfgFile string) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.Build(ctx, cfg)
}

// newRootCmd creates the root command with every subcommand attached.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Discovery-to-scrape work-queue pipeline.",
		Long: `pipeline discovers article URLs from feeds, search engines and site
maps, queues them, scrapes their content and extracts metadata. Each
subcommand runs one bounded invocation; serve exposes the same units
over HTTP alongside the job workers and the scheduler.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				_ = a.Close(cmd.Context())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); PIPELINE_* env vars override it")

	cmd.AddCommand(
		newDiscoverCmd(),
		newScrapeCmd(),
		newExtractCmd(),
		newCleanupCmd(),
		newJobsCmd(),
		newSourcesCmd(),
		newServeCmd(),
		newScheduleCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveApp(cmd *cobra.Command) (*app.App, error) {
	a, ok := cmd.Context().Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// printResponse writes resp as indented JSON and turns failures into an error
// so the process exits non-zero.
func printResponse(cmd *cobra.Command, resp pipeline.Response) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if !resp.Success {
		return errInvocationFailed
	}
	return nil
}

func summaryResponse(summary any, err error) pipeline.Response {
	if err != nil {
		return pipeline.Failure(err)
	}
	return pipeline.OK("", summary)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errInvocationFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
