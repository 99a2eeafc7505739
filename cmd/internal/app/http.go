package app

import (
	"net/http"
	"time"

	"trendnet/cmd/internal/observability"
	"trendnet/cmd/internal/realtime"
	"trendnet/cmd/internal/seed"
	v1 "trendnet/shared/contracts/realtime/v1"

	"github.com/jackc/pgx/v5/pgxpool"
)

type routes struct {
	log       Logger
	cfg       Config
	dbPool    *pgxpool.Pool
	dbEnabled bool
	ws        *realtime.Gateway
	personas  *seed.Directory
	login     http.Handler
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && !rt.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.dbEnabled && rt.dbPool != nil {
			if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", rt.ws)

	api := http.NewServeMux()
	api.Handle("/api/presence", rt.ws.PresenceHandler())
	api.HandleFunc("/api/personas", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
			return
		}
		out := personaResponse{Personas: []v1.Participant{}}
		if rt.personas != nil {
			for _, p := range rt.personas.All() {
				out.Personas = append(out.Personas, v1.Participant{
					ID:          p.Participant.ID,
					DisplayName: p.Participant.DisplayName,
					Automated:   true,
				})
			}
		}
		writeJSON(w, http.StatusOK, out)
	})
	if rt.login != nil {
		api.Handle("/api/login", rt.login)
	}
	mux.Handle("/api/", WithCORS(api, rt.cfg, rt.log))
}
