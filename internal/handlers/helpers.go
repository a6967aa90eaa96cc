package handlers

import (
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// apiError is the body of every non-2xx API response.
type apiError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// RequireMethod reports whether r uses method. HEAD is accepted for GET.
// On mismatch it answers 405 with an Allow header.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", method)
	WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	return false
}

// WriteJSON writes data as JSON. Status responses describe live state and
// are never cached.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	return jsonAPI.NewEncoder(w).Encode(data)
}

// WriteError writes an apiError body.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, apiError{Status: "error", Error: message})
}

// NotFound answers unmatched API routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, fmt.Sprintf("no endpoint at %s", r.URL.Path))
}
