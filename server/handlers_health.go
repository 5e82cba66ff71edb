package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz is the readiness probe: database reachable and the data
// directory writable. The cache and rate limiter degrade gracefully, so redis
// is intentionally not a readiness gate.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		checks["database"] = "error: " + err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	probe := filepath.Join(h.cfg.DataDir, ".readyz")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		checks["data_dir"] = "error: " + err.Error()
		healthy = false
	} else {
		_ = os.Remove(probe)
		checks["data_dir"] = "ok"
	}

	status := http.StatusOK
	overall := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}
