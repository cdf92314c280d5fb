// Package cli implements lensctl, the command-line front end of the import
// service: schema inspection, suggestions, plan-driven imports and an
// inbox watcher.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/portfoliolens/internal/application"
	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// Opener assembles the application for one command run.
type Opener func(ctx context.Context, cfg *config.Config, opts application.Options) (*application.App, error)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	dryRun     bool
	tablesFile string
	receiver   string
	apiKey     string
	output     string

	open Opener
}

// NewRootCmd returns the lensctl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(application.Open)
}

func newRootCmd(open Opener) *cobra.Command {
	g := &globals{open: open}

	root := &cobra.Command{
		Use:   "lensctl",
		Short: "Match spreadsheets to database tables and import them",
		Long: `lensctl analyzes CSV, TSV and XLSX files against the destination schema,
suggests a table and column mapping for every sheet, and imports approved
sheets in chunks.

Suggestions can be saved as a YAML plan, edited, and replayed with
"lensctl import --plan".`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config file (default $"+config.FileEnv+")")
	pf.BoolVar(&g.dryRun, "dry-run", false, "use an in-memory destination instead of PostgreSQL")
	pf.StringVar(&g.tablesFile, "tables", "", "YAML file of destination tables for --dry-run")
	pf.StringVar(&g.receiver, "receiver", "", "send chunks to a running server at this URL")
	pf.StringVar(&g.apiKey, "api-key", "", "API key for --receiver")
	pf.StringVarP(&g.output, "output", "o", "table", "output format: table, json or yaml")
	config.RegisterFlags(pf)

	_ = root.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"table", "json", "yaml"}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newSchemaCmd(g),
		newSuggestCmd(g),
		newImportCmd(g),
		newJobsCmd(g),
		newWatchCmd(g),
	)
	return root
}

// setup loads configuration and opens the application. The caller closes it.
func (g *globals) setup(cmd *cobra.Command) (*application.App, error) {
	flags := cmd.Root().PersistentFlags()

	var (
		cfg *config.Config
		err error
	)
	if g.dryRun {
		cfg, err = config.LoadWithoutDatabase(g.configPath, flags)
	} else {
		cfg, err = config.LoadWithFlags(g.configPath, flags)
	}
	if err != nil {
		return nil, err
	}
	logging.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	opts := application.Options{
		DryRun:      g.dryRun,
		ReceiverURL: g.receiver,
		APIKey:      g.apiKey,
	}
	if g.tablesFile != "" {
		if !g.dryRun {
			return nil, fmt.Errorf("--tables only applies with --dry-run")
		}
		if opts.Tables, err = application.LoadTables(g.tablesFile); err != nil {
			return nil, err
		}
	}

	return g.open(cmd.Context(), cfg, opts)
}
