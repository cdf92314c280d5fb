package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/sheets"
)

// Subdirectories of the inbox that processed files are moved into.
const (
	reviewDir   = "review"
	importedDir = "imported"
	failedDir   = "failed"
)

func newWatchCmd(g *globals) *cobra.Command {
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "watch [DIR]",
		Short: "Import files dropped into a folder",
		Long: `Watch imports every file dropped into DIR (default: the configured inbox)
once it has been quiet for the settle delay.

Files whose sheets all match an existing table confidently are imported and
moved to imported/. Anything that needs a decision is moved to review/ with
a plan next to it; edit the plan and run "lensctl import". Files whose
import fails go to failed/.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			dir := app.Config.Inbox.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if !cmd.Flags().Changed("settle") {
				settle = app.Config.Inbox.SettleDelay
			}

			box := &inbox{svc: app.Service, dir: dir, settle: settle, out: cmd.OutOrStdout()}
			return box.run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "quiet time before a file is picked up")
	return cmd
}

// inbox turns files appearing in dir into imports.
type inbox struct {
	svc    *core.Service
	dir    string
	settle time.Duration
	out    io.Writer
}

// outcome is where a handled file ended up.
type outcome string

const (
	outcomeSkipped  outcome = ""
	outcomeImported outcome = importedDir
	outcomeReview   outcome = reviewDir
	outcomeFailed   outcome = failedDir
)

// run watches until ctx is done. Files already in the inbox are picked up
// first.
func (b *inbox) run(ctx context.Context) error {
	for _, sub := range []string{reviewDir, importedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(b.dir, sub), 0o755); err != nil {
			return fmt.Errorf("prepare inbox: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("watch %s: %w", b.dir, err)
	}
	slog.Info("watching inbox", "dir", b.dir, "settle", b.settle)

	ready := make(chan string, 16)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Reset(b.settle)
			return
		}
		timers[path] = time.AfterFunc(b.settle, func() {
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && candidate(e.Name()) {
			schedule(filepath.Join(b.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !candidate(filepath.Base(event.Name)) {
				continue
			}
			if info, err := os.Stat(event.Name); err != nil || !info.Mode().IsRegular() {
				continue
			}
			schedule(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("inbox watcher error", "error", err)

		case path := <-ready:
			delete(timers, path)
			if _, err := b.handle(ctx, path); err != nil {
				slog.Error("inbox file not processed", "file", filepath.Base(path), "error", err)
			}
		}
	}
}

// candidate skips hidden files and editor lock files.
func candidate(name string) bool {
	return !strings.HasPrefix(name, ".") && !strings.HasPrefix(name, "~$")
}

// handle analyzes one inbox file and imports it when no sheet needs review.
func (b *inbox) handle(ctx context.Context, path string) (outcome, error) {
	name := filepath.Base(path)
	logger := slog.With("file", name)

	sess, err := analyzeFile(ctx, b.svc, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Already moved by an earlier event for the same file.
		return outcomeSkipped, nil
	case errors.Is(err, sheets.ErrUnsupportedFormat), errors.Is(err, sheets.ErrNoData), errors.Is(err, core.ErrFileTooLarge):
		logger.Warn("inbox file needs review", "reason", err)
		return outcomeReview, b.move(path, reviewDir)
	case err != nil:
		logger.Error("inbox file analysis failed", "error", err)
		return outcomeFailed, b.move(path, failedDir)
	}
	defer b.svc.CloseSession(sess.ID)

	if review := needsReview(sess); len(review) > 0 {
		planPath := filepath.Join(b.dir, reviewDir, name+".plan.yaml")
		if err := writePlan(planPath, planFromSession(sess)); err != nil {
			return outcomeReview, err
		}
		logger.Info("inbox file needs review", "sheets", strings.Join(review, ", "), "plan", planPath)
		return outcomeReview, b.move(path, reviewDir)
	}

	plans := make([]core.SheetPlan, 0, len(sess.Sheets))
	for _, a := range sess.Sheets {
		plans = append(plans, core.SheetPlan{
			SheetName:   a.Name,
			TableName:   a.Suggestion.TableName,
			CreateTable: a.Suggestion.CreateTable,
		})
	}
	jobs, err := b.svc.StartImport(ctx, sess.ID, plans)
	if err != nil {
		logger.Error("inbox import not started", "error", err)
		return outcomeFailed, b.move(path, failedDir)
	}
	finished, err := followJobs(ctx, b.svc, jobs, b.out)
	if err == nil {
		err = jobsError(finished)
	}
	if err != nil {
		logger.Error("inbox import failed", "error", err)
		return outcomeFailed, b.move(path, failedDir)
	}

	logger.Info("inbox file imported", "sheets", len(finished))
	return outcomeImported, b.move(path, importedDir)
}

// move puts path into the named inbox subdirectory without overwriting an
// earlier file of the same name.
func (b *inbox) move(path, sub string) error {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	dest := filepath.Join(b.dir, sub, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		dest = filepath.Join(b.dir, sub, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move %s to %s: %w", name, sub, err)
	}
	return nil
}
