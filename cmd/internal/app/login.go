package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"trendnet/cmd/identity"
	"trendnet/cmd/internal/audit"
	v1 "trendnet/shared/contracts/realtime/v1"

	"golang.org/x/time/rate"
)

const (
	loginMaxBodyBytes = 4 << 10
	loginMaxNameLen   = 32
	loginRatePerIP    = 10
	loginRateWindow   = time.Minute
	loginMaxLimiters  = 4096
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Token       string         `json:"token"`
	Participant v1.Participant `json:"participant"`
}

type personaResponse struct {
	Personas []v1.Participant `json:"personas"`
}

// devLogin issues in-memory tokens by username. It only exists when no
// external token issuer is configured.
type devLogin struct {
	log   *slog.Logger
	reg   *identity.MemoryRegistry
	audit audit.Sink
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newDevLogin(log *slog.Logger, reg *identity.MemoryRegistry, sink audit.Sink) *devLogin {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &devLogin{
		log:      log,
		reg:      reg,
		audit:    sink,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *devLogin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	ip := remoteIP(r)
	if !h.limiter(ip).Allow() {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, loginMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	name := identity.NormalizeDisplayName(req.Username)
	if name == "" || len(name) > loginMaxNameLen || strings.ContainsAny(name, " \t\r\n") {
		writeError(w, http.StatusBadRequest, "invalid_request", "username must be 1-32 characters without spaces")
		return
	}
	id := strings.ToLower(name)
	if strings.HasPrefix(id, "bot-") {
		writeError(w, http.StatusConflict, "reserved", "username is reserved")
		return
	}
	if existing, err := h.reg.Lookup(r.Context(), id); err == nil && existing.Automated {
		writeError(w, http.StatusConflict, "reserved", "username is reserved")
		return
	}

	p := identity.Participant{ID: id, DisplayName: name}
	tok, err := h.reg.Issue(p)
	if err != nil {
		h.log.Error("login.issue.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("login.success", "participant_id", id, "ip", ip)
	h.audit.Emit(audit.Event{
		EventType:     audit.EventLogin,
		ParticipantID: id,
		Attrs:         map[string]string{"ip": ip},
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:       tok,
		Participant: v1.Participant{ID: id, DisplayName: name},
	})
}

func (h *devLogin) limiter(ip string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[ip]
	if !ok {
		if len(h.limiters) >= loginMaxLimiters {
			h.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Every(loginRateWindow/loginRatePerIP), loginRatePerIP)
		h.limiters[ip] = l
	}
	return l
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
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

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
