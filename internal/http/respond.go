package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charlesnunot/Stratos-sub003/internal/errs"
)

type errorResponse struct {
	Error    string             `json:"error"`
	Code     string             `json:"code,omitempty"`
	Failures []errs.UnitFailure `json:"failures,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps a processor error to its status. Internal errors are not
// echoed to the caller.
func writeErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	resp := errorResponse{Error: err.Error(), Code: errs.Code(err)}
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		resp.Error = "internal error"
	}
	var pf *errs.PartialFailureError
	if errors.As(err, &pf) {
		resp.Failures = pf.Failures
	}
	writeJSON(w, status, resp)
}

func writeText(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
