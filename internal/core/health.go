package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole probe run. Load balancers poll /health
// aggressively; a hung dependency must not hold the connection open.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a named liveness check for one critical dependency
// (database, task queue).
type HealthProbe interface {
	Name() string

	// Check reports whether the dependency is reachable. It must respect
	// the context deadline.
	Check(ctx context.Context) error
}

// probeFunc adapts a plain function to the HealthProbe interface.
type probeFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewProbe wraps a check function as a named HealthProbe.
func NewProbe(name string, fn func(ctx context.Context) error) HealthProbe {
	return &probeFunc{name: name, fn: fn}
}

func (p *probeFunc) Name() string                    { return p.name }
func (p *probeFunc) Check(ctx context.Context) error { return p.fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every registered probe in parallel under a 2 second
// deadline. All probes healthy answers 200; any failure, panic, or timeout
// answers 503 with per-component detail. Mounted unauthenticated at
// GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	type outcome struct {
		idx int
		err error
	}
	results := make(chan outcome, len(probes))

	for i, probe := range probes {
		go func(idx int, p HealthProbe) {
			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("probe panicked: %v", rec)
					}
				}()
				err = p.Check(ctx)
			}()
			results <- outcome{idx: idx, err: err}
		}(i, probe)
	}

	// Probes that miss the deadline stay unreported and are marked timed out.
	reported := make(map[int]error, len(probes))
collect:
	for range probes {
		select {
		case res := <-results:
			reported[res.idx] = res.err
		case <-ctx.Done():
			break collect
		}
	}

	components := make(map[string]componentStatus, len(probes))
	healthy := true
	for i, probe := range probes {
		err, done := reported[i]
		switch {
		case !done:
			healthy = false
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			healthy = false
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Status: "healthy", Components: components}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
