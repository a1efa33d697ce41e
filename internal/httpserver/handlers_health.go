package httpserver

import (
	"net/http"
	"time"
)

// health reports liveness. Uptime is coarse on purpose; readiness of the
// backing stores is the workers' concern, not the load balancer's.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"network":        h.cfg.Stellar.Network,
		"uptime_seconds": int64(time.Since(serverStartTime).Seconds()),
	})
}
