package application

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/core"
)

const tablesYAML = `
tables:
  - name: ln_payments
    columns:
      - {name: id, type: bigint, default: "nextval('ln_payments_id_seq'::regclass)", primary_key: true}
      - {name: loan_id, type: text}
      - {name: amount, type: numeric, nullable: true}
`

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadTables(t *testing.T) {
	tables, err := LoadTables(writeFile(t, "tables.yaml", tablesYAML))
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "ln_payments", tables[0].Name)
	require.Len(t, tables[0].Columns, 3)
	assert.True(t, tables[0].Columns[0].IsGenerated())
	assert.True(t, tables[0].Columns[2].Nullable)

	_, err = LoadTables(writeFile(t, "bad.yaml", "tables:\n  - columns: []\n"))
	assert.ErrorContains(t, err, "has no name")

	_, err = LoadTables(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpen_DryRunImports(t *testing.T) {
	ctx := context.Background()
	tables, err := LoadTables(writeFile(t, "tables.yaml", tablesYAML))
	require.NoError(t, err)

	durable := filepath.Join(t.TempDir(), "schema.db")
	cfg := &config.Config{Schema: config.SchemaConfig{DurablePath: durable}}

	app, err := Open(ctx, cfg, Options{DryRun: true, Tables: tables})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, app.Close()) })

	assert.Nil(t, app.Postgres)
	require.NotNil(t, app.Memory)
	assert.NoError(t, app.Ping(ctx))

	data := "Loan ID,Amount\nL-1,10.50\nL-2,11\n"
	sess, err := app.Service.Analyze(ctx, "ln_payments.csv", strings.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, sess.Sheets, 1)
	assert.Equal(t, "ln_payments", sess.Sheets[0].Suggestion.TableName)

	jobs, err := app.Service.StartImport(ctx, sess.ID, []core.SheetPlan{{
		SheetName: sess.Sheets[0].Name,
		TableName: "ln_payments",
	}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	job, err := app.Service.Wait(waitCtx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.RowsInserted)
	assert.Len(t, app.Memory.Rows("ln_payments"), 2)

	// Seeded tables never reach the durable snapshot file.
	_, err = os.Stat(durable)
	assert.True(t, os.IsNotExist(err))
}

func TestOpen_RemoteReceiver(t *testing.T) {
	app, err := Open(context.Background(), &config.Config{}, Options{
		DryRun:      true,
		ReceiverURL: "http://127.0.0.1:1",
	})
	require.NoError(t, err)
	assert.NotNil(t, app.Receiver)
	assert.NoError(t, app.Close())
	// Closing twice is harmless.
	assert.NoError(t, app.Close())
}
