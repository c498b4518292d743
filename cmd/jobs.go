package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"coralnet/internal/clix"
	"coralnet/internal/jobs"
	"coralnet/internal/models"
)

var (
	jobsListLimit  int
	jobsListOffset int
	jobsListStatus string
	jobsListName   string
	jobsListSource int64

	jobsScheduleDelay  time.Duration
	jobsScheduleSource int64
	jobsScheduleNow    bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and schedule background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		filter, err := clix.ParseJobFilter(cmd.Flags())
		if err != nil {
			return err
		}
		log.Debugf("Listing jobs: %+v", filter)

		list, err := appInstance.Store.ListJobs(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No jobs found.")
			return nil
		}

		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"ID", "Job", "Args", "Status", "Attempt", "Scheduled", "Modified", "Result"})
		table.SetBorder(true)
		table.SetAutoWrapText(false)
		for _, job := range list {
			table.Append([]string{
				strconv.FormatInt(job.ID, 10),
				job.JobName,
				job.ArgIdentifier,
				statusString(job.Status),
				strconv.Itoa(job.AttemptNumber),
				formatNullTime(job.ScheduledStartDate, time.RFC3339),
				job.ModifyDate.Format(time.RFC3339),
				truncate(job.ResultMessage, 60),
			})
		}
		table.Render()
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}
		job, err := appInstance.Store.GetJob(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to get job %d: %w", id, err)
		}
		printJob(cmd.OutOrStdout(), job)
		return nil
	},
}

var jobsScheduleCmd = &cobra.Command{
	Use:   "schedule <job-name> [args...]",
	Short: "Schedule a job, or move an existing pending one earlier",
	Long: `Schedules a job by name. Integer args are passed as integers, other
args as strings. With --now the job is also handed to the worker right away
instead of waiting for run_scheduled_jobs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		jobArgs, err := clix.ParseJobArgs(args[1:])
		if err != nil {
			return err
		}

		var opts []jobs.ScheduleOption
		if jobsScheduleNow {
			opts = append(opts, jobs.WithDelay(0))
		} else if cmd.Flags().Changed("delay") {
			opts = append(opts, jobs.WithDelay(jobsScheduleDelay))
		}
		if jobsScheduleSource > 0 {
			opts = append(opts, jobs.WithSource(jobsScheduleSource))
		}

		job, created, err := appInstance.Scheduler.ScheduleJob(cmd.Context(), args[0], jobArgs, opts...)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		if created {
			fmt.Fprintf(out, "%s %s\n", color.GreenString("Scheduled"), job)
		} else {
			fmt.Fprintf(out, "%s %s (%s)\n", color.YellowString("Already exists"), job, job.Status)
		}
		if jobsScheduleNow && job.Status == models.JobStatusPending {
			if err := appInstance.Scheduler.StartJob(cmd.Context(), job); err != nil {
				return fmt.Errorf("failed to start %s: %w", job, err)
			}
			fmt.Fprintf(out, "%s %s\n", color.GreenString("Started"), job)
		}
		return nil
	},
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Hand a pending job to the worker now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}
		job, err := appInstance.Store.GetJob(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to get job %d: %w", id, err)
		}
		if job.Status != models.JobStatusPending {
			return fmt.Errorf("job %d is %s, only pending jobs can be started", id, job.Status)
		}
		if err := appInstance.Scheduler.StartJob(cmd.Context(), job); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("Started"), job)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsScheduleCmd, jobsStartCmd)

	jobsListCmd.Flags().IntVarP(&jobsListLimit, "limit", "n", 20, "Maximum number of jobs to list")
	jobsListCmd.Flags().IntVarP(&jobsListOffset, "offset", "o", 0, "Number of jobs to skip")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Only jobs with this status (pending, in_progress, success, failure)")
	jobsListCmd.Flags().StringVar(&jobsListName, "name", "", "Only jobs with this name")
	jobsListCmd.Flags().Int64Var(&jobsListSource, "source", 0, "Only jobs of this source")

	jobsScheduleCmd.Flags().DurationVar(&jobsScheduleDelay, "delay", 0, "Delay before the job may start (default: random jitter)")
	jobsScheduleCmd.Flags().Int64Var(&jobsScheduleSource, "source", 0, "Source the job belongs to")
	jobsScheduleCmd.Flags().BoolVar(&jobsScheduleNow, "now", false, "Start the job right away")
}

func printJob(w io.Writer, job *models.Job) {
	fmt.Fprintf(w, "ID:        %d\n", job.ID)
	fmt.Fprintf(w, "Job:       %s\n", job.JobName)
	fmt.Fprintf(w, "Args:      %s\n", job.ArgIdentifier)
	fmt.Fprintf(w, "Status:    %s\n", statusString(job.Status))
	fmt.Fprintf(w, "Attempt:   %d\n", job.AttemptNumber)
	if job.SourceID != nil {
		fmt.Fprintf(w, "Source:    %d\n", *job.SourceID)
	}
	fmt.Fprintf(w, "Scheduled: %s\n", formatNullTime(job.ScheduledStartDate, time.RFC3339))
	fmt.Fprintf(w, "Started:   %s\n", formatNullTime(job.StartDate, time.RFC3339))
	fmt.Fprintf(w, "Created:   %s\n", job.CreateDate.Format(time.RFC3339))
	fmt.Fprintf(w, "Modified:  %s\n", job.ModifyDate.Format(time.RFC3339))
	fmt.Fprintf(w, "Persist:   %t\n", job.Persist)
	if job.ResultMessage != "" {
		fmt.Fprintf(w, "Result:    %s\n", job.ResultMessage)
	}
}

func statusString(s models.JobStatus) string {
	switch s {
	case models.JobStatusSuccess:
		return color.GreenString(string(s))
	case models.JobStatusFailure:
		return color.RedString(string(s))
	case models.JobStatusInProgress:
		return color.CyanString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func formatNullTime(t *time.Time, layout string) string {
	if t != nil {
		return t.Format(layout)
	}
	return "N/A"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
