package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"schedd/internal/controller"
	"schedd/internal/errors"
	"schedd/internal/store"
	"schedd/internal/trigger"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
	Long: `Create, inspect and change jobs in the shared store.

Jobs created here are pending until a running schedd picks them up on its next poll.

Examples:
  schedd jobs create -f job.json
  schedd jobs get 9f1c...
  schedd jobs ls --user 42 --page 2
  schedd jobs filter --kind periodic --category sms_campaign
  schedd jobs pause 9f1c...
  schedd jobs reschedule 9f1c... -f trigger.json
  schedd jobs rm 9f1c... 77ab...
  schedd jobs history 9f1c...`,
}

var (
	jobFile      string
	listUser     int64
	listPage     int
	listPerPage  int
	filterKind   string
	filterCat    string
	filterGen    bool
	filterUserID int64
)

func init() {
	jobsCreateCmd.Flags().StringVarP(&jobFile, "file", "f", "-", "JSON job definition, - for stdin")
	jobsRescheduleCmd.Flags().StringVarP(&jobFile, "file", "f", "-", "JSON trigger and optional post_data, - for stdin")

	for _, c := range []*cobra.Command{jobsListCmd, jobsFilterCmd} {
		c.Flags().IntVar(&listPage, "page", 1, "Page number")
		c.Flags().IntVar(&listPerPage, "per-page", controller.DefaultPerPage, "Jobs per page")
	}
	jobsListCmd.Flags().Int64Var(&listUser, "user", 0, "Owner user id; general jobs when omitted")

	jobsFilterCmd.Flags().StringVar(&filterKind, "kind", "", "Trigger kind: one_time, periodic or cron")
	jobsFilterCmd.Flags().StringVar(&filterCat, "category", "", "Job category")
	jobsFilterCmd.Flags().BoolVar(&filterGen, "general", false, "Only jobs without an owner")
	jobsFilterCmd.Flags().Int64Var(&filterUserID, "user", 0, "Owner user id")

	jobsCmd.AddCommand(jobsCreateCmd, jobsGetCmd, jobsListCmd, jobsFilterCmd, jobsDeleteCmd,
		jobsPauseCmd, jobsResumeCmd, jobsRescheduleCmd, jobsHistoryCmd)
}

// withJobController runs fn against a controller over the shared store.
func withJobController(cmd *cobra.Command, fn func(ctx context.Context, jc controller.JobController) (interface{}, error)) error {
	ctx := cmd.Context()
	c, err := newCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	limits := trigger.Limits{
		MinFrequency:   cfg.Validation.MinFrequency,
		RequestTimeout: cfg.Validation.RequestTimeout,
	}
	jc := controller.NewJobController(c.engine(nil), controller.NewDefaultJobValidator(limits), log.Named("jobs"))

	out, err := fn(ctx, jc)
	if err != nil {
		if code := errors.Code(err); code != "" {
			return errors.Wrapf(err, "[%s]", code)
		}
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func decodeFile(cmd *cobra.Command, path string, v interface{}) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidUsagef("Invalid JSON in %s: %v", path, err)
	}
	return nil
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule a job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req controller.CreateJobRequest
		if err := decodeFile(cmd, jobFile, &req); err != nil {
			return err
		}
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			id, err := jc.CreateJob(ctx, &req)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": id}, nil
		})
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			return jc.GetJob(ctx, args[0])
		})
	},
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List a user's jobs, or the general jobs",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := controller.ListQuery{Page: listPage, PerPage: listPerPage}
		if cmd.Flags().Changed("user") {
			q.UserID = &listUser
		}
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			return jc.ListJobs(ctx, q)
		})
	},
}

var jobsFilterCmd = &cobra.Command{
	Use:   "filter",
	Short: "List jobs matching every given criterion",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.Filter{Kind: trigger.Kind(filterKind), Category: filterCat, General: filterGen}
		if cmd.Flags().Changed("user") {
			f.OwnerUserID = &filterUserID
		}
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			return jc.FilterJobs(ctx, f, listPage, listPerPage)
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"delete"},
	Short:   "Delete jobs; unknown ids are reported, not fatal",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			res, err := jc.DeleteJobs(ctx, args)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"status":      res.Status(),
				"removed":     res.Removed,
				"not_removed": res.NotRemoved,
			}, nil
		})
	},
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Stop a job firing until resumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			return jc.PauseJob(ctx, args[0])
		})
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			return jc.ResumeJob(ctx, args[0])
		})
	},
}

var jobsRescheduleCmd = &cobra.Command{
	Use:   "reschedule <id>",
	Short: "Replace a job's trigger and optionally its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req controller.RescheduleRequest
		if err := decodeFile(cmd, jobFile, &req); err != nil {
			return err
		}
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			return jc.RescheduleJob(ctx, args[0], &req)
		})
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show recent fires of a job, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobController(cmd, func(ctx context.Context, jc controller.JobController) (interface{}, error) {
			return jc.GetJobExecutions(ctx, args[0])
		})
	},
}
