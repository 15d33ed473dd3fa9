package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/schedule"
)

func newSchedulesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List scheduled subtasks and when they next fire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runSchedules(cmd, cfg, time.Now())
		},
	}
}

func runSchedules(cmd *cobra.Command, cfg *config.Config, now time.Time) error {
	out := cmd.OutOrStdout()
	jobs := schedule.JobsFromConfig(cfg.Schedules)
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No schedules configured.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tTHREAD\tTIMEOUT\tNEXT")
	for _, job := range jobs {
		next, err := schedule.NextAfter(job.Spec, now)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.Name, job.Spec, job.Thread, job.Timeout, next.Format("2006-01-02 15:04 MST"))
	}
	return w.Flush()
}
