package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rowjay/registry-backup/internal/app"
	"github.com/rowjay/registry-backup/internal/apperr"
)

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.AvailableBackups(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) listPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.svc.CompatibleBackupPairs(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.svc.OperationStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) createDatabaseBackup(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusAccepted, s.svc.CreateDatabaseBackup(r.Context()))
}

func (s *Server) createFilesBackup(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusAccepted, s.svc.CreateFilesBackup(r.Context()))
}

func (s *Server) createCompleteBackup(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusAccepted, s.svc.CreateCompleteBackup(r.Context()))
}

func (s *Server) deleteBackup(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, apperr.KindValidation.String(), "confirm must be true for destructive operations")
		return
	}
	writeResult(w, http.StatusOK, s.svc.DeleteBackup(r.Context(), chi.URLParam(r, "filename")))
}

func (s *Server) restoreDatabase(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.KindValidation.String(), err.Error())
		return
	}
	writeResult(w, http.StatusAccepted, s.svc.RestoreDatabase(r.Context(), req.Filename))
}

func (s *Server) restoreFiles(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.KindValidation.String(), err.Error())
		return
	}
	writeResult(w, http.StatusAccepted, s.svc.RestoreFiles(r.Context(), req.Filename))
}

func (s *Server) guidedRestore(w http.ResponseWriter, r *http.Request) {
	var req guidedRestoreRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.KindValidation.String(), err.Error())
		return
	}
	res := s.svc.GuidedRestore(r.Context(), req.Database, req.Files, app.Order(req.Order))
	writeResult(w, http.StatusAccepted, res)
}
