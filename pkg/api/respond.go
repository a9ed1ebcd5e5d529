package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

// dataEnvelope is the success half of the response convention: a JSON
// object with ok plus the payload under data.
type dataEnvelope struct {
	OK   bool        `json:"ok"`
	Data interface{} `json:"data,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dataEnvelope{OK: true, Data: data})
}

// writeError maps a component error to the §7 status code and the Cargo
// {errors:[{detail,code}]} envelope. Internal details never leak.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	status := regerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		observability.UpdateLoggerWithTraceContext(r.Context(), logger).
			WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(30))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(regerrors.ToEnvelope(err))
}
