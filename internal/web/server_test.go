package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/matching"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/store/memstore"
)

type testEnv struct {
	store *memstore.Store
	svc   *core.Service
	srv   *Server
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 10 * time.Second},
		Import: config.ImportConfig{MaxFileSize: 4096},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	store := memstore.New()
	store.AddTable(schema.Table{Name: "ln_payments", Columns: []schema.Column{
		{Name: "id", SQLType: "bigint", DefaultExpr: "nextval('ln_payments_id_seq'::regclass)", IsPrimaryKey: true},
		{Name: "loan_id", SQLType: "text"},
		{Name: "payment_date", SQLType: "date"},
		{Name: "amount", SQLType: "numeric"},
	}})

	receiver := core.NewChunkReceiver(store, store)
	svc, err := core.NewService(core.Deps{
		Schema:  schema.NewCache(store, schema.Options{}),
		Mutator: store,
		Sender:  receiver,
		Jobs:    store,
	}, core.Options{ChunkSize: 2, MaxFileSize: cfg.Import.MaxFileSize})
	require.NoError(t, err)

	srv := NewServer(svc, receiver, cfg)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{store: store, svc: svc, srv: srv}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func uploadRequest(t *testing.T, name, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

const paymentsCSV = "Loan ID,Payment Date,Amount\nL-1,01/02/2024,\"$1,200.00\"\nL-2,01/03/2024,50\nL-3,01/04/2024,75.25\n"

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAnalyzeAndImport(t *testing.T) {
	env := newTestEnv(t, testConfig())

	req := uploadRequest(t, "Payments.csv", paymentsCSV)
	req.Header.Set("X-User-ID", "op-3")
	rec := env.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sess := decode[core.Session](t, rec)
	require.Len(t, sess.Sheets, 1)
	assert.Equal(t, "op-3", sess.CreatedBy)
	assert.Equal(t, "ln_payments", sess.Sheets[0].Suggestion.TableName)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.postJSON(t, "/api/sessions/"+sess.ID+"/import", StartImportRequest{
		Sheets: []core.SheetPlan{{SheetName: "Payments"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[StartImportResponse](t, rec)
	require.Len(t, started.Jobs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.svc.Wait(ctx, started.Jobs[0].ID)
	require.NoError(t, err)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+started.Jobs[0].ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[core.Job](t, rec)
	assert.Equal(t, core.StatusCompleted, job.Status, job.ErrorDetail)
	assert.Equal(t, 3, job.RowsInserted)
	assert.Len(t, env.store.Rows("ln_payments"), 3)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), started.Jobs[0].ID)

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+sess.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "IMP002", decode[ErrorResponse](t, rec).Code)
}

func TestAnalyze_Rejections(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"unsupported type", uploadRequest(t, "notes.pdf", "%PDF"), http.StatusUnsupportedMediaType, "FILE002"},
		{"too large", uploadRequest(t, "big.csv", "a\n"+strings.Repeat("x\n", 3000)), http.StatusRequestEntityTooLarge, "FILE001"},
		{"empty file", uploadRequest(t, "empty.csv", ""), http.StatusBadRequest, "FILE003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("nope"))
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, env.do(t, req).Code)
}

func TestStartImport_Errors(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.postJSON(t, "/api/sessions/missing/import", StartImportRequest{Sheets: []core.SheetPlan{{SheetName: "Payments"}}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sess := decode[core.Session](t, env.do(t, uploadRequest(t, "Payments.csv", paymentsCSV)))
	rec = env.postJSON(t, "/api/sessions/"+sess.ID+"/import", StartImportRequest{
		Sheets: []core.SheetPlan{{SheetName: "Payments", TableName: "ln_nowhere", Mappings: []matching.ColumnMapping{
			{SourceHeader: "Loan ID", TargetColumn: "loan_id", Action: matching.ActionMap},
		}}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MAT003", decode[ErrorResponse](t, rec).Code)

	rec = env.postJSON(t, "/api/sessions/"+sess.ID+"/import", map[string]any{"sheet": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestSuggestColumns_KeepsOperatorChoice(t *testing.T) {
	env := newTestEnv(t, testConfig())
	sess := decode[core.Session](t, env.do(t, uploadRequest(t, "Payments.csv", paymentsCSV)))

	rec := env.postJSON(t, "/api/sessions/"+sess.ID+"/sheets/Payments/columns", SuggestColumnsRequest{
		TableName: "ln_payments",
		Mappings:  []matching.ColumnMapping{{SourceHeader: "Amount", Action: matching.ActionSkip}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SuggestColumnsResponse](t, rec)
	byHeader := map[string]matching.ColumnMapping{}
	for _, m := range resp.Mappings {
		byHeader[m.SourceHeader] = m
	}
	assert.Equal(t, matching.ActionSkip, byHeader["Amount"].Action)
	assert.Equal(t, matching.OriginUser, byHeader["Amount"].Origin)
	assert.Equal(t, "loan_id", byHeader["Loan ID"].TargetColumn)

	rec = env.postJSON(t, "/api/sessions/"+sess.ID+"/sheets/Nope/columns", SuggestColumnsRequest{TableName: "ln_payments"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MAT002", decode[ErrorResponse](t, rec).Code)
}

func TestJobProgress_FinishedJob(t *testing.T) {
	env := newTestEnv(t, testConfig())
	sess := decode[core.Session](t, env.do(t, uploadRequest(t, "Payments.csv", paymentsCSV)))
	started := decode[StartImportResponse](t, env.postJSON(t, "/api/sessions/"+sess.ID+"/import",
		StartImportRequest{Sheets: []core.SheetPlan{{SheetName: "Payments"}}}))
	id := started.Jobs[0].ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.svc.Wait(ctx, id)
	require.NoError(t, err)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 100\nevent: progress\n")
	assert.Contains(t, body, `"status":"completed"`)
	assert.True(t, strings.Index(body, "event: progress") < strings.Index(body, "event: complete"))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/nope/progress", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUnknownJob(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/jobs/nope/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "IMP003", decode[ErrorResponse](t, rec).Code)
}

func TestSchemaEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/schema", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SchemaResponse](t, rec)
	require.Len(t, resp.Tables, 1)
	assert.Equal(t, "ln_payments", resp.Tables[0].Name)

	env.store.AddTable(schema.Table{Name: "ln_escrow", Columns: []schema.Column{{Name: "loan_id", SQLType: "text"}}})
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/schema/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	refreshed := decode[SchemaResponse](t, rec)
	assert.Len(t, refreshed.Tables, 2)
	assert.Greater(t, refreshed.Version, resp.Version)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 0, h.Imports.Active)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	env.srv.AddHealthCheck("database", func(context.Context) error { return errors.New("connection refused") })
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	h = decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "connection refused", h.Checks["database"])
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k1", "k2"}}
	env := newTestEnv(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/schema", nil)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/schema", nil)
	req.Header.Set("X-API-Key", "k3")
	assert.Equal(t, http.StatusForbidden, env.do(t, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/schema", nil)
	req.Header.Set("X-API-Key", "k2")
	assert.Equal(t, http.StatusOK, env.do(t, req).Code)

	assert.Equal(t, http.StatusOK, env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2, UploadLimit: 1, ChunkLimit: 10}
	env := newTestEnv(t, cfg)

	get := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.RemoteAddr = ip + ":5000"
		return env.do(t, req)
	}
	assert.Equal(t, http.StatusOK, get("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, get("10.0.0.1").Code)

	rec := get("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE001", decode[ErrorResponse](t, rec).Code)

	assert.Equal(t, http.StatusOK, get("10.0.0.2").Code, "buckets are per IP")
}

func TestChunkClient_RoundTrip(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	client := NewChunkClient(ClientConfig{BaseURL: ts.URL, RatePerSecond: 1000, RateBurst: 10})
	ctx := context.Background()

	rows := [][]string{{"L-1", "2024-01-02", "10"}, {"L-2", "2024-01-03", "oops"}, {"L-3", "2024-01-04", "30"}}
	chunks := core.ChunkRows("job-remote", "Payments", "ln_payments", []string{"loan_id", "payment_date", "amount"}, rows, 2)
	require.Len(t, chunks, 2)

	r, err := client.SendChunk(ctx, chunks[1])
	require.NoError(t, err)
	assert.False(t, r.Complete)

	r, err = client.SendChunk(ctx, chunks[1])
	require.NoError(t, err)
	assert.True(t, r.Duplicate)

	r, err = client.SendChunk(ctx, chunks[0])
	require.NoError(t, err)
	require.True(t, r.Complete)
	require.NotNil(t, r.Processing)
	assert.Equal(t, 2, r.Processing.RowsInserted)
	assert.Equal(t, 1, r.Processing.RowsRejected)

	bad := chunks[0]
	bad.TotalChunks = 0
	_, err = client.SendChunk(ctx, bad)
	assert.ErrorIs(t, err, core.ErrInvalidChunk)
}

func TestChunkClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, core.ChunkReceipt{JobID: "j", SheetName: "S", Received: 1, Total: 1, Complete: true, TriggerErr: "permission denied"})
	}))
	defer ts.Close()

	client := NewChunkClient(ClientConfig{BaseURL: ts.URL, RatePerSecond: 1000, MaxRetries: 3})
	r, err := client.SendChunk(context.Background(), core.Chunk{JobID: "j", SheetName: "S", TotalChunks: 1})

	var terr *core.TriggerError
	require.ErrorAs(t, err, &terr)
	assert.True(t, r.Complete)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	client = NewChunkClient(ClientConfig{BaseURL: ts.URL, RatePerSecond: 1000, MaxRetries: 1})
	_, err = client.SendChunk(context.Background(), core.Chunk{JobID: "j", SheetName: "S", TotalChunks: 1})
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadGateway, herr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("start: %w", core.ErrTooManyUploads)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
	assert.Equal(t, http.StatusBadRequest, statusFor(core.ErrInvalidChunk))
}
