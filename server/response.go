package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
)

// errorResponse is the body of every non-2xx reply
type errorResponse struct {
	Error string   `json:"error"`
	Hints []string `json:"hints,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes err with a status derived from its class. Internal errors
// are logged and their text is not sent to the client.
func writeError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Hints: errors.GetAllHints(err)}
	if status == http.StatusInternalServerError {
		log.Errorw("Request failed", logger.FieldError, err)
		body = errorResponse{Error: "internal error"}
	}
	_ = writeJSON(w, status, body)
}
