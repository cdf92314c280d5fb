package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

func newImportCmd(g *globals) *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a file's sheets",
		Long: `Import analyzes FILE and imports its sheets.

With --plan, exactly the sheets listed in the plan are imported with the
tables and mappings it names. Without a plan every sheet is imported as
suggested, which is refused while any sheet still needs review.`,
		Example: `  lensctl suggest loans.xlsx --plan loans.yaml
  $EDITOR loans.yaml
  lensctl import loans.xlsx --plan loans.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			sess, err := analyzeFile(ctx, app.Service, args[0])
			if err != nil {
				return err
			}
			defer app.Service.CloseSession(sess.ID)

			var plan Plan
			if planPath != "" {
				if plan, err = readPlan(planPath); err != nil {
					return err
				}
				if base := filepath.Base(args[0]); plan.Source != "" && plan.Source != base {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: plan was written for %s, importing %s\n", plan.Source, base)
				}
			} else {
				if review := needsReview(sess); len(review) > 0 {
					return fmt.Errorf("sheets need review: %s; write a plan with: lensctl suggest %s --plan PLAN.yaml",
						strings.Join(review, ", "), args[0])
				}
				for _, a := range sess.Sheets {
					plan.Sheets = append(plan.Sheets, core.SheetPlan{
						SheetName:   a.Name,
						TableName:   a.Suggestion.TableName,
						CreateTable: a.Suggestion.CreateTable,
					})
				}
			}

			jobs, err := app.Service.StartImport(ctx, sess.ID, plan.Sheets)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			progressOut := out
			if g.output != "table" && g.output != "" {
				progressOut = cmd.ErrOrStderr()
			}
			finished, err := followJobs(ctx, app.Service, jobs, progressOut)
			if err != nil {
				return err
			}

			if ok, err := structured(out, g.output, finished); ok {
				if err != nil {
					return err
				}
			} else {
				renderJobs(out, finished)
			}
			return jobsError(finished)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "YAML plan written by suggest --plan")
	return cmd
}

// followJobs prints progress until every job ends and returns the final
// jobs in input order. Cancelling ctx cancels the jobs.
func followJobs(ctx context.Context, svc *core.Service, jobs []*core.Job, w io.Writer) ([]*core.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		for _, j := range jobs {
			_ = svc.Cancel(j.ID)
		}
	})
	defer stop()

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(w, format, args...)
	}

	finished := make([]*core.Job, len(jobs))
	var g errgroup.Group
	for i, j := range jobs {
		g.Go(func() error {
			if ch, unsubscribe, err := svc.Subscribe(j.ID); err == nil {
				var last progressLine
				for p := range ch {
					if line := lineFor(p); line != last {
						last = line
						printf("%s -> %s: %s %d%% (%d/%d rows)\n",
							p.SheetName, p.TableName, p.Status, line.step, p.ProcessedRows, p.TotalRows)
					}
				}
				unsubscribe()
			}

			job, err := svc.Wait(context.WithoutCancel(ctx), j.ID)
			if err != nil {
				return fmt.Errorf("job %s: %w", j.ID, err)
			}
			finished[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return finished, nil
}

// progressLine is what a printed line shows: status and a 10% step.
type progressLine struct {
	status core.JobStatus
	step   int
}

func lineFor(p core.Progress) progressLine {
	step := int(p.Percent) / 10 * 10
	if p.Status.Terminal() {
		step = int(p.Percent)
	}
	return progressLine{status: p.Status, step: step}
}

// jobsError summarizes jobs that did not complete.
func jobsError(jobs []*core.Job) error {
	var errs []error
	for _, j := range jobs {
		if j.Status != core.StatusCompleted {
			msg := j.Error
			if msg == "" {
				msg = string(j.Status)
			}
			errs = append(errs, fmt.Errorf("sheet %s: %s", j.SheetName, msg))
		}
	}
	return errors.Join(errs...)
}
