package api

import (
	"sync/atomic"
	"time"
)

// HealthState tracks liveness and readiness of the process.
//
//   live   the process is running; false only while shutting down
//   ready  recovery finished and the TCP listener accepts requests
type HealthState struct {
	ready     atomic.Bool
	live      atomic.Bool
	startTime time.Time
}

// NewHealthState returns a live, not yet ready state.
func NewHealthState() *HealthState {
	h := &HealthState{startTime: time.Now()}
	h.live.Store(true)
	return h
}

func (h *HealthState) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthState) SetLive(live bool) {
	h.live.Store(live)
}

func (h *HealthState) IsReady() bool {
	return h.ready.Load()
}

func (h *HealthState) IsLive() bool {
	return h.live.Load()
}

func (h *HealthState) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// status is the /health body status: "ok", "starting" or "stopping".
func (h *HealthState) status() string {
	switch {
	case !h.IsLive():
		return "stopping"
	case !h.IsReady():
		return "starting"
	default:
		return "ok"
	}
}
