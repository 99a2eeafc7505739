package realtime

import (
	"encoding/json"
	"net/http"

	v1 "trendnet/shared/contracts/realtime/v1"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// PresenceHandler serves GET /api/presence: the online list for an
// authenticated caller, in the same shape as presence.update.
func (g *Gateway) PresenceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
			return
		}

		token := BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if _, err := g.auth.Resolve(r.Context(), token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		online := g.engine.Presence()
		list := make([]v1.Participant, 0, len(online))
		for _, p := range online {
			list = append(list, wireParticipant(p))
		}
		writeJSON(w, http.StatusOK, v1.PresenceUpdatePayload{Participants: list})
	})
}
