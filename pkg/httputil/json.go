// Package httputil carries the JSON response helpers shared by every
// handler in the API surface.
package httputil

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusResponse is the {status, message} envelope used by control and
// ingestion endpoints.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteSuccess(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: message})
}

func WriteError(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, StatusResponse{Status: "error", Message: message})
}
