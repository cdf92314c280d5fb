package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

func newSuggestCmd(g *globals) *cobra.Command {
	var planPath string

	cmd := &cobra.Command{
		Use:   "suggest FILE",
		Short: "Suggest a table and column mapping for every sheet of a file",
		Example: `  lensctl suggest payments.xlsx
  lensctl suggest payments.csv.gz --plan payments.plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			sess, err := analyzeFile(cmd.Context(), app.Service, args[0])
			if err != nil {
				return err
			}
			defer app.Service.CloseSession(sess.ID)

			out := cmd.OutOrStdout()
			if ok, err := structured(out, g.output, sess); ok {
				if err != nil {
					return err
				}
			} else {
				if sess.SchemaWarning != "" {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", sess.SchemaWarning)
				}
				renderSuggestions(out, sess)
			}

			if planPath != "" {
				if err := writePlan(planPath, planFromSession(sess)); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "plan written to %s\n", planPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "write the suggestions as an editable YAML plan")
	return cmd
}

// analyzeFile opens path and analyzes it into a session.
func analyzeFile(ctx context.Context, svc *core.Service, path string) (*core.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return svc.Analyze(ctx, filepath.Base(path), f, info.Size())
}
