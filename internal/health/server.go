package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/marko911/bridge-indexer/internal/metrics"
)

// Checker reports the health of shared dependencies.
type Checker struct {
	DBPing func(ctx context.Context) error
}

type response struct {
	Status string        `json:"status"`
	DB     string        `json:"db,omitempty"`
	Chains []ChainHealth `json:"chains"`
}

// Handler serves /healthz and /metrics. /healthz answers 503 when any chain
// failed or the database is unreachable.
func Handler(reg *Registry, checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := response{Status: "ok", Chains: reg.Snapshot()}
		code := http.StatusOK

		if reg.AnyFailed() {
			resp.Status = "failed"
			code = http.StatusServiceUnavailable
		}
		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				resp.DB = "fail"
				resp.Status = "failed"
				code = http.StatusServiceUnavailable
			} else {
				resp.DB = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Serve starts the health server in the background.
func Serve(addr string, reg *Registry, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(reg, checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
