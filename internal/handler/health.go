package handler

import (
	"encoding/json"
	"net/http"
)

// ServeHealth reports process liveness.
func ServeHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"gateway": "enabled",
		})
	}
}
