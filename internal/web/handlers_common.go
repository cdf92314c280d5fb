package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

// maxJSONBody bounds JSON request bodies. Chunks are the largest.
const maxJSONBody = 64 << 20

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

// AddHealthCheck registers a dependency probed by /health.
func (s *Server) AddHealthCheck(name string, fn func(context.Context) error) {
	s.checks = append(s.checks, healthCheck{name: name, fn: fn})
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status        string                   `json:"status"`
	Checks        map[string]string        `json:"checks,omitempty"`
	Imports       core.UploadLimiterStatus `json:"imports"`
	Workers       core.WorkerStats         `json:"workers"`
	SchemaVersion uint64                   `json:"schemaVersion"`
	SchemaAge     string                   `json:"schemaAge,omitempty"`
	SchemaWarning string                   `json:"schemaWarning,omitempty"`
}

// handleHealth reports dependency checks, import slot usage and the schema
// snapshot being served. Any failed check turns the status into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "ok",
		Imports: s.service.LimiterStatus(),
		Workers: s.service.Workers().Stats(),
	}
	status := http.StatusOK
	for _, c := range s.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(s.checks))
		}
		if err := c.fn(ctx); err != nil {
			resp.Checks[c.name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}

	cache := s.service.Schema()
	snap := cache.Snapshot()
	resp.SchemaVersion = snap.Version
	if !snap.IsEmpty() {
		resp.SchemaAge = snap.Age(time.Now()).Round(time.Second).String()
	}
	if err := cache.LastError(); err != nil {
		resp.SchemaWarning = core.MapError(err).Message
	}

	writeJSONStatus(w, status, resp)
}

// SchemaResponse lists the destination tables.
type SchemaResponse struct {
	Version   uint64         `json:"version"`
	FetchedAt time.Time      `json:"fetchedAt"`
	Tables    []schema.Table `json:"tables"`
	Warning   string         `json:"warning,omitempty"`
}

func schemaResponse(snap *schema.Snapshot, warn error) SchemaResponse {
	resp := SchemaResponse{
		Version:   snap.Version,
		FetchedAt: snap.FetchedAt,
		Tables:    snap.Tables(),
	}
	if resp.Tables == nil {
		resp.Tables = []schema.Table{}
	}
	if warn != nil {
		resp.Warning = core.MapError(warn).Message
	}
	return resp
}

// handleListSchema returns the cached schema, loading it on first use.
func (s *Server) handleListSchema(w http.ResponseWriter, r *http.Request) {
	snap, warn := s.service.Schema().GetOrFetch(r.Context())
	writeJSON(w, schemaResponse(snap, warn))
}

// handleRefreshSchema refetches the schema now.
func (s *Server) handleRefreshSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RefreshSchema(r.Context()); err != nil {
		s.respondError(w, r, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, schemaResponse(s.service.Schema().Snapshot(), nil))
}

// handleReceiveChunk stages one chunk sent by a remote importer. A failed
// row processing trigger still answers 200: the receipt says the sheet is
// complete and carries the failure for the sender's policy.
func (s *Server) handleReceiveChunk(w http.ResponseWriter, r *http.Request) {
	if s.receiver == nil {
		writeError(w, http.StatusNotFound, "chunk receiving is disabled")
		return
	}

	var chunk core.Chunk
	if err := decodeJSON(w, r, &chunk); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %w", core.ErrInvalidChunk, err), http.StatusBadRequest)
		return
	}

	receipt, err := s.receiver.Receive(r.Context(), chunk)
	var terr *core.TriggerError
	if err != nil && !errors.As(err, &terr) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, receipt)
}
