package handlers

import (
	"net/http"
	"time"
)

var startTime = time.Now()

type HealthResponse struct {
	Status    string  `json:"status"`
	Uptime    float64 `json:"uptime_seconds"`
	Functions int     `json:"functions"`
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Seconds(),
		Functions: len(h.reg.List()),
	})
}
