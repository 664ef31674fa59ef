package handlers

import (
	"net/http"
	"time"

	"github.com/kldeb/lambdev/internal/supervisor"
)

// FunctionInfo is the diagnostics view of one registered function.
type FunctionInfo struct {
	Name        string           `json:"name"`
	Handler     string           `json:"handler"`
	Timeout     time.Duration    `json:"timeout"`
	Concurrency int              `json:"concurrency"`
	Shape       string           `json:"shape"`
	BuildError  string           `json:"build_error,omitempty"`
	Pool        supervisor.Stats `json:"pool"`
}

// ListFunctions returns every registered function with its pool snapshot.
func (h *Handlers) ListFunctions(w http.ResponseWriter, r *http.Request) {
	stats := h.sup.PoolStats()

	var out []FunctionInfo
	for _, desc := range h.reg.List() {
		info := FunctionInfo{
			Name:        desc.Name,
			Handler:     desc.Handler,
			Timeout:     desc.Timeout,
			Concurrency: desc.Concurrency,
			Shape:       string(desc.Shape),
			Pool:        stats[desc.Name],
		}
		if reason, failed := h.reg.BuildError(desc.Name); failed {
			info.BuildError = reason
		}
		out = append(out, info)
	}

	JSON(w, http.StatusOK, map[string]any{"functions": out})
}
