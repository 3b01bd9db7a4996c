package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	depOK       = "ok"
	depDown     = "down"
	depDisabled = "disabled"
)

// probe checks one dependency. A critical probe failing makes the service
// unready; any other failure only degrades it.
type probe struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error // nil when the dependency is not configured
}

type HealthHandler struct {
	probes  []probe
	env     string
	version string
}

func NewHealthHandler(pgPool *pgxpool.Pool, rdb *redis.Client, env, version string) *HealthHandler {
	pg := probe{name: "postgres", critical: true}
	if pgPool != nil {
		pg.ping = pgPool.Ping
	}
	rd := probe{name: "redis"}
	if rdb != nil {
		rd.ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	return &HealthHandler{
		probes:  []probe{pg, rd},
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "ok", Version: h.version, Env: h.env})
}

// Readiness pings every configured dependency with a one second budget each.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.version,
		Env:          h.env,
		Dependencies: make(map[string]string, len(h.probes)),
	}

	for _, p := range h.probes {
		if p.ping == nil {
			resp.Dependencies[p.name] = depDisabled
			continue
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
		err := p.ping(pingCtx)
		pingCancel()

		if err == nil {
			resp.Dependencies[p.name] = depOK
			continue
		}
		resp.Dependencies[p.name] = depDown
		switch {
		case p.critical:
			resp.Status = "error"
		case resp.Status == "ok":
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
