package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the durable store (pgxpool or memstore).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is an extra readiness probe, e.g. the queue having started.
type Check func(ctx context.Context) error

type Status struct {
	OK       bool              `json:"ok"`
	Message  string            `json:"message,omitempty"`
	Database bool              `json:"database,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// HTTPHandler reports the health of the store and any named checks. Any
// failure answers 503.
func HTTPHandler(store Pinger, checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}

		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		if store != nil {
			if err := store.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		for name, check := range checks {
			if st.Checks == nil {
				st.Checks = map[string]string{}
			}
			if err := check(ctx); err != nil {
				st.OK = false
				st.Checks[name] = err.Error()
				if st.Message == "ok" {
					st.Message = name + " check failed"
				}
				continue
			}
			st.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
