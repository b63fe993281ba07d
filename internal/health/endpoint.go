package health

import (
	"encoding/json"
	"net/http"
)

// Handler returns the read-only aggregate health endpoint of spec.md §6,
// grounded on health_endpoints.py::fine_grained_locks_health. A bare
// net/http handler is deliberate here (see DESIGN.md): one JSON route
// does not warrant pulling in a routing library.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := m.Aggregate()
		w.Header().Set("Content-Type", "application/json")
		if !payload.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(payload)
	}
}
