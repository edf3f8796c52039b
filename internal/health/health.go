package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool and by queue.Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named dependency probed by the handler.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Run pings every check with the given timeout and reports the aggregate.
func Run(ctx context.Context, timeout time.Duration, checks ...Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]bool, len(checks))
	for _, c := range checks {
		if c.Pinger == nil {
			st.Checks[c.Name] = true
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.Pinger.Ping(pctx)
		cancel()
		st.Checks[c.Name] = err == nil
		if err != nil && st.OK {
			st.OK = false
			st.Message = c.Name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Run(r.Context(), time.Second, checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
