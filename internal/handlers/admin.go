package handlers

import (
	"context"
	"net/http"

	"github.com/emberwake/relay/internal/broker"
	"github.com/emberwake/relay/internal/models"
)

// StatsSource builds the administrative snapshot.
type StatsSource interface {
	Snapshot(ctx context.Context) (models.AdminStatsResponse, error)
}

// BrokerState reports adapter health for the health endpoint.
type BrokerState interface {
	State() broker.State
}

type AdminHandler struct {
	stats  StatsSource
	broker BrokerState
}

func NewAdminHandler(stats StatsSource, br BrokerState) *AdminHandler {
	return &AdminHandler{stats: stats, broker: br}
}

// Stats returns read-only counters. It never mutates relay state.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.stats.Snapshot(r.Context())
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to collect stats", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Health reports ok unless the broker has given up reconnecting. A degraded
// broker still serves: critical traffic is buffered.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	state := broker.StateReady
	if h.broker != nil {
		state = h.broker.State()
	}
	resp := models.HealthResponse{Status: "ok", Broker: string(state)}
	status := http.StatusOK
	if state == broker.StateUnhealthy || state == broker.StateClosed {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
