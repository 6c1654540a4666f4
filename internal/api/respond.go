package api

import (
	"encoding/json"
	"net/http"
)

// writeError writes the fixed {"error": code} body the ingress
// contract promises for every rejected request.
func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}
