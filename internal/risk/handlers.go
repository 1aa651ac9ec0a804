package risk

import (
	"encoding/json"
	"net/http"
)

// HandleMetrics handles GET /api/v1/risk/metrics.
func (e *Engine) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := e.GetRiskMetrics(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, m)
}

// HandleRating handles GET /api/v1/risk/rating.
func (e *Engine) HandleRating(w http.ResponseWriter, r *http.Request) {
	m, err := e.GetRiskMetrics(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, RateRisk(m, e.rcfg))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
