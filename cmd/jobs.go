package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Background job queue commands",
	}
	cmd.AddCommand(newJobsWorkCmd(), newJobsEnqueueCmd())
	return cmd
}

func newJobsWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Runs the job workers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			a.RunUntilSignal(cmd.Context(), a.Dispatcher.Run)
			return nil
		},
	}
}

func newJobsEnqueueCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <job-type> [payload-json]",
		Short: "Enqueues one background job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			var payload json.RawMessage
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}
			id, err := a.Jobs.Enqueue(cmd.Context(), args[0], payload, priority)
			if err != nil {
				return printResponse(cmd, pipeline.Failure(err))
			}
			return printResponse(cmd, pipeline.OK("", map[string]string{"job_id": id}))
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, job workers and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Runs the cron scheduler without the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			sched, err := a.Scheduler()
			if err != nil {
				return err
			}
			if sched.Len() == 0 {
				return fmt.Errorf("no schedule.* expressions configured")
			}
			a.RunUntilSignal(cmd.Context(), func(ctx context.Context) { sched.Run(ctx) })
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			return a.Migrate(cmd.Context())
		},
	}
}
