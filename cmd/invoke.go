package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/discovery-pipeline/internal/discovery"
	"github.com/JakeFAU/discovery-pipeline/internal/extract"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	"github.com/JakeFAU/discovery-pipeline/internal/retention"
	"github.com/JakeFAU/discovery-pipeline/internal/scraper"
)

func newDiscoverCmd() *cobra.Command {
	var group, tier, maxSources int
	cmd := &cobra.Command{
		Use:   "discover <feed|search-engine|crawl-map>",
		Short: "Runs one discovery invocation for a method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			method, err := pipeline.ParseDiscoveryMethod(args[0])
			if err != nil {
				return printResponse(cmd, pipeline.Failure(err))
			}
			if !slices.Contains(a.Discovery.Methods(), method) {
				return printResponse(cmd, pipeline.Failure(fmt.Errorf("discovery method %q is not configured", method)))
			}

			req := discovery.Request{MaxSources: maxSources}
			if cmd.Flags().Changed("group") {
				req.Group = &group
			}
			if cmd.Flags().Changed("tier") {
				req.Tier = &tier
			}
			run, err := a.Discovery.Run(cmd.Context(), method, req)
			if err != nil {
				resp := pipeline.Failure(err)
				resp.RunID = run.ID
				return printResponse(cmd, resp)
			}
			return printResponse(cmd, pipeline.OK(run.ID, run))
		},
	}
	cmd.Flags().IntVar(&group, "group", 0, "only sources in this processing group")
	cmd.Flags().IntVar(&tier, "tier", 0, "only sources of this tier")
	cmd.Flags().IntVar(&maxSources, "max-sources", 0, "cap on sources processed (default discovery.max_sources)")
	return cmd
}

func newScrapeCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Claims a batch of queued entries and scrapes them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			return printResponse(cmd, summaryResponse(a.Scraper.Run(cmd.Context(), scraper.Request{BatchSize: batchSize})))
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "entries to claim (default scrape.batch_size)")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extracts metadata for entries that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			return printResponse(cmd, summaryResponse(a.Extractor.Run(cmd.Context(), extract.Request{BatchSize: batchSize})))
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "entries to process (default extract.batch_size)")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var req retention.Request
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purges expired queue entries, runs and jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			if req.HoursToKeep < 0 {
				return printResponse(cmd, pipeline.Failure(fmt.Errorf("hours-to-keep must be >= 0")))
			}
			return printResponse(cmd, summaryResponse(a.Cleaner.Run(cmd.Context(), req)))
		},
	}
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().IntVar(&req.HoursToKeep, "hours-to-keep", 0, "queue retention window in hours (default retention.queue_hours)")
	return cmd
}
