package cli

import (
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

func newJobsCmd(g *globals) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [JOB_ID]",
		Short: "List recent import jobs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var jobs []*core.Job
			if len(args) == 1 {
				job, err := app.Service.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				jobs = []*core.Job{job}
			} else if jobs, err = app.Service.ListJobs(cmd.Context(), limit); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ok, err := structured(out, g.output, jobs); ok {
				return err
			}
			renderJobs(out, jobs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	return cmd
}
