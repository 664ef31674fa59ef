package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kldeb/lambdev/internal/server/invlog"
)

// ListInvocations serves the recent-invocation ring buffer with optional
// filters: function, outcome, min_status, since, limit, offset.
func (h *Handlers) ListInvocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := invlog.FilterOptions{
		Function: q.Get("function"),
		Outcome:  q.Get("outcome"),
	}
	if v := q.Get("min_status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			Error(w, http.StatusBadRequest, "BadRequest", "min_status must be an integer", "")
			return
		}
		opts.MinStatus = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			Error(w, http.StatusBadRequest, "BadRequest", "since must be RFC3339", "")
			return
		}
		opts.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	JSON(w, http.StatusOK, h.logs.List(opts))
}
