package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

func newSchemaCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the destination schema",
	}
	cmd.AddCommand(newSchemaListCmd(g), newSchemaRefreshCmd(g))
	return cmd
}

func newSchemaListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List destination tables and their columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			snap, warn := app.Service.Schema().GetOrFetch(cmd.Context())
			if warn != nil && snap.IsEmpty() {
				return warn
			}

			out := cmd.OutOrStdout()
			if ok, err := structured(out, g.output, snap.Tables()); ok {
				return err
			}
			renderTables(out, snap.Tables())
			_, _ = fmt.Fprintf(out, "%d tables, schema version %d, fetched %s\n",
				snap.Len(), snap.Version, snap.FetchedAt.Format(time.RFC3339))
			if warn != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", warn)
			}
			return nil
		},
	}
}

func newSchemaRefreshCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-read table metadata from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Service.RefreshSchema(cmd.Context()); err != nil {
				return err
			}
			snap := app.Service.Schema().Snapshot()
			return printRefreshed(cmd, g, snap)
		},
	}
}

func printRefreshed(cmd *cobra.Command, g *globals, snap *schema.Snapshot) error {
	out := cmd.OutOrStdout()
	summary := map[string]any{"version": snap.Version, "tables": snap.Len(), "fetchedAt": snap.FetchedAt}
	if ok, err := structured(out, g.output, summary); ok {
		return err
	}
	_, _ = fmt.Fprintf(out, "schema refreshed: %d tables, version %d\n", snap.Len(), snap.Version)
	return nil
}
