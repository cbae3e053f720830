package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/picklr-io/inferstack/internal/ir"
)

type checkResult struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Unit        string        `json:"unit,omitempty"`
	Endpoint    *ir.Endpoint  `json:"endpoint,omitempty"`
	Controllers []checkResult `json:"controllers"`
	StartTime   time.Time     `json:"startTime"`
	Uptime      string        `json:"uptime"`
	UptimeSec   float64       `json:"uptimeSeconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.inShutdown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results, ready := s.runChecks(ctx)
	if s.inShutdown.Load() {
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		s.logger.DebugContext(ctx, "readiness check failed", "traceID", middleware.GetReqID(ctx))
	}
	s.writeJSON(ctx, w, status, results)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results, _ := s.runChecks(ctx)

	uptime := time.Since(s.started)
	resp := statusResponse{
		Unit:        s.unit,
		Controllers: results,
		StartTime:   s.started,
		Uptime:      uptime.Round(time.Second).String(),
		UptimeSec:   uptime.Seconds(),
	}
	if s.endpoint != nil {
		ep := s.endpoint.Endpoint()
		resp.Endpoint = &ep
	}
	s.writeJSON(ctx, w, http.StatusOK, resp)
}

func (s *Server) runChecks(ctx context.Context) ([]checkResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	results := make([]checkResult, 0, len(s.checks))
	ready := true
	for _, c := range s.checks {
		res := checkResult{Name: c.Name(), Ready: true}
		if err := c.Ping(ctx); err != nil {
			res.Ready = false
			res.Error = err.Error()
			ready = false
		}
		results = append(results, res)
	}
	return results, ready
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
