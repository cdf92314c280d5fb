package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/matching"
)

// multipartMemory is how much of an upload is held in memory before the
// rest spills to a temp file.
const multipartMemory = 32 << 20

// multipartSlack covers the form framing around the file itself.
const multipartSlack = 1 << 20

// handleAnalyze parses an uploaded file (form field "file") into a review
// session with a table and column suggestion per sheet.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if maxSize := s.cfg.Import.MaxFileSize; maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartSlack)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.fail(w, r, fmt.Errorf("%w: %w", core.ErrFileTooLarge, err))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	sess, err := s.service.Analyze(r.Context(), header.Filename, file, header.Size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s.service.CloseSession(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

// SuggestColumnsRequest asks for column mappings of a sheet against a
// table the operator picked. Mappings already decided are kept.
type SuggestColumnsRequest struct {
	TableName string                   `json:"tableName"`
	Mappings  []matching.ColumnMapping `json:"mappings,omitempty"`
}

// SuggestColumnsResponse carries the refreshed mappings.
type SuggestColumnsResponse struct {
	TableName   string                   `json:"tableName"`
	Mappings    []matching.ColumnMapping `json:"mappings"`
	NeedsReview bool                     `json:"needsReview"`
}

func (s *Server) handleSuggestColumns(w http.ResponseWriter, r *http.Request) {
	var req SuggestColumnsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing := make(map[string]matching.ColumnMapping, len(req.Mappings))
	for _, m := range req.Mappings {
		m.Origin = matching.OriginUser
		existing[m.SourceHeader] = m
	}

	mappings, err := s.service.SuggestColumns(r.Context(),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "sheet"), req.TableName, existing)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, SuggestColumnsResponse{
		TableName:   req.TableName,
		Mappings:    mappings,
		NeedsReview: matching.NeedsReview(mappings),
	})
}

// StartImportRequest lists the approved sheets of a session. A sheet
// without mappings is imported as suggested.
type StartImportRequest struct {
	Sheets []core.SheetPlan `json:"sheets"`
}

// StartImportResponse lists the started jobs, one per sheet.
type StartImportResponse struct {
	Jobs []*core.Job `json:"jobs"`
}

func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	var req StartImportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.service.StartImport(r.Context(), chi.URLParam(r, "sessionID"), req.Sheets)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, StartImportResponse{Jobs: jobs})
}
