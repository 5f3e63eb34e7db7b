package response

import (
	"encoding/json"
	"net/http"
)

type errorEnvelope struct {
	Error *Error `json:"error"`
}

// WriteError will serialize the Error under an "error" envelope with the
// status code carried by the Error itself.
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	writeJSON(w, e.StatusCode, errorEnvelope{Error: e})
}

// WriteResponse will serialize v as the response body with HTTP 200.
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	writeJSON(w, http.StatusOK, v)
}

// WriteCreated will serialize v as the response body with HTTP 201.
func WriteCreated(w http.ResponseWriter, r *http.Request, v interface{}) {
	writeJSON(w, http.StatusCreated, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
