package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fluxbroker/taskbroker/store"
)

// writeError maps a core error to its corresponding HTTP status, falling
// back to 500 for anything unrecognized, and writes store.UserMessage(err)
// as the JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrWrongAgent), errors.Is(err, store.ErrDependencyUnmet):
		status = http.StatusConflict
	case errors.Is(err, store.ErrPolicyBlocked):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": store.UserMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
