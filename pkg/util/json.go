package util

import (
	"encoding/json"
	"net/http"
)

func WriteError(w http.ResponseWriter, code int, message string) {
	WriteStatusJSON(w, code, map[string]string{
		"error": message,
	})
}

func WriteJSON(w http.ResponseWriter, v any) {
	WriteStatusJSON(w, http.StatusOK, v)
}

// WriteStatusJSON writes v as the JSON body of a response with the given status.
func WriteStatusJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
