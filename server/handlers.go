package server

import (
	"net/http"

	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/async"
	"github.com/teranos/forage/pulse/status"
	"github.com/teranos/forage/version"
)

// StatusResponse is the /status payload.
type StatusResponse struct {
	*status.Snapshot
	Pools  []async.Stats         `json:"pools,omitempty"`
	System []async.SystemMetrics `json:"system,omitempty"`
}

// HandleStatus serves the collected status snapshot.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusServiceUnavailable, "status collection not configured")
		return
	}
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		s.logger.Warnw("Status collection failed", logger.FieldError, err)
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}

	resp := StatusResponse{Snapshot: snap}
	s.mu.RLock()
	for _, p := range s.pools {
		resp.Pools = append(resp.Pools, p.Stats())
		if sr, ok := p.(SystemReporter); ok {
			resp.System = append(resp.System, sr.GetSystemMetrics(r.Context()))
		}
	}
	s.mu.RUnlock()

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.Debugw("Failed to write status", logger.FieldError, err)
	}
}

// HandleHealth answers 200 while healthy or degraded and 503 when unhealthy,
// draining, or when status cannot be collected.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	v := version.Get()
	body := map[string]interface{}{
		"state":   s.getState().String(),
		"version": v.Version,
		"commit":  v.Commit,
	}

	code := http.StatusOK
	if s.getState() != ServerStateRunning {
		code = http.StatusServiceUnavailable
	}
	if s.collector != nil {
		snap, err := s.collector.Collect(r.Context())
		switch {
		case err != nil:
			code = http.StatusServiceUnavailable
			body["health"] = status.HealthUnhealthy
			body["reasons"] = []string{"status unavailable"}
		default:
			body["health"] = snap.Health
			if len(snap.Reasons) > 0 {
				body["reasons"] = snap.Reasons
			}
			if snap.Health == status.HealthUnhealthy {
				code = http.StatusServiceUnavailable
			}
		}
	}
	writeJSON(w, code, body)
}

// HandleVersion serves build information.
func (s *Server) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}
