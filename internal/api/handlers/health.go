// Package handlers provides HTTP handlers for the health surface.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jmylchreest/slotwatch/internal/health"
	"github.com/jmylchreest/slotwatch/internal/supervisor"
	"github.com/jmylchreest/slotwatch/internal/version"
)

// BrowserInfo describes the supervised browser.
type BrowserInfo interface {
	Info() supervisor.Info
}

// BrowserStatus is the browser section of the status response.
type BrowserStatus struct {
	State      string    `json:"state"`
	ResourceID string    `json:"resourceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
	Restarts   int64     `json:"restarts"`
	Proxy      string    `json:"proxy,omitempty"`
}

// StatusResponse is the full health snapshot.
type StatusResponse struct {
	health.Snapshot
	Ready         bool           `json:"ready"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Version       string         `json:"version"`
	Browser       *BrowserStatus `json:"browser,omitempty"`
}

// ReadyResponse is the readiness view.
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Status string `json:"status"`
}

// HealthHandler serves the status and readiness views.
type HealthHandler struct {
	reporter *health.Reporter
	browser  BrowserInfo
}

// NewHealthHandler creates a new health handler. browser may be nil.
func NewHealthHandler(reporter *health.Reporter, browser BrowserInfo) *HealthHandler {
	return &HealthHandler{reporter: reporter, browser: browser}
}

// StatusOutput is the output wrapper for Huma.
type StatusOutput struct {
	Body StatusResponse
}

// ReadyOutput carries a 200 or 503 status with the readiness body.
type ReadyOutput struct {
	Status int
	Body   ReadyResponse
}

// Status returns the current snapshot with uptime computed now.
func (h *HealthHandler) Status(ctx context.Context) *StatusResponse {
	snap := h.reporter.Snapshot()
	resp := &StatusResponse{
		Snapshot:      snap,
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime(h.reporter.Now()).Seconds()),
		Version:       version.Get().Version,
	}

	if h.browser != nil {
		info := h.browser.Info()
		resp.Browser = &BrowserStatus{
			State:      info.State.Phase.String(),
			ResourceID: info.ResourceID,
			CreatedAt:  info.CreatedAt,
			Restarts:   info.Restarts,
			Proxy:      info.Proxy,
		}
	}
	return resp
}

// Ready reports readiness. Unhealthy and stopped monitors answer 503.
func (h *HealthHandler) Ready(ctx context.Context) *ReadyOutput {
	snap := h.reporter.Snapshot()
	out := &ReadyOutput{
		Status: http.StatusOK,
		Body:   ReadyResponse{Ready: snap.Ready(), Status: string(snap.Status)},
	}
	if !out.Body.Ready {
		out.Status = http.StatusServiceUnavailable
	}
	return out
}
