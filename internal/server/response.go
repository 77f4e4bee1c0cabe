package server

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/rowjay/registry-backup/internal/app"
	"github.com/rowjay/registry-backup/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, app.Result{Success: false, Message: message, ErrorKind: kind})
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeError(w, statusFor(kind.String()), kind.String(), err.Error())
}

// writeResult answers with okStatus on success and the status matching the
// error kind otherwise.
func writeResult(w http.ResponseWriter, okStatus int, res app.Result) {
	if res.Success {
		writeJSON(w, okStatus, res)
		return
	}
	writeJSON(w, statusFor(res.ErrorKind), res)
}

func statusFor(kind string) int {
	switch kind {
	case apperr.KindValidation.String():
		return http.StatusBadRequest
	case apperr.KindNotFound.String():
		return http.StatusNotFound
	case apperr.KindConflict.String():
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
