package utils

import (
	"encoding/json"
	"net/http"

	"github.com/brizzai/marketweb/internal/logger"
	"go.uber.org/zap"
)

// WriteJSON writes a JSON response with status 200
func WriteJSON(w http.ResponseWriter, data interface{}) {
	WriteJSONStatus(w, data, http.StatusOK)
}

// WriteJSONStatus writes a JSON response with the given status
func WriteJSONStatus(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": message,
	}); err != nil {
		logger.Error("Failed to encode error response", zap.Error(err))
	}
}
