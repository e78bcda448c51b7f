package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InjectHandler implements POST /participants/{participant_id}/messages
// (§6.1): a synchronous HTTP alternative to the WebSocket path that shares
// the exact same validator/capability-engine/router pipeline, per the
// "HTTP injection symmetry" design note. The injector is not itself a
// receiver unless separately connected as a participant -- injected
// envelopes are routed by ordinary broadcast/directed rules (§13.2).
type InjectHandler struct {
	gw   *Gateway
	auth Authenticator

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewInjectHandler(gw *Gateway, auth Authenticator) *InjectHandler {
	return &InjectHandler{gw: gw, auth: auth, limiters: make(map[string]*rate.Limiter)}
}

// limiterFor returns the token bucket for one (space, logical participant)
// pair, mirroring Transport's per-connection limiter -- HTTP injection has no
// persistent connection to hang a limiter off of, so the identity that
// authenticated the call is the next best throttling key.
func (h *InjectHandler) limiterFor(spaceID, logicalName string) *rate.Limiter {
	key := spaceID + "\x00" + logicalName

	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[key]
	if !ok {
		l = newConnectionLimiter()
		h.limiters[key] = l
	}
	return l
}

type injectAck struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *InjectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	participantID := participantIDFromPath(r.URL.Path)
	if participantID == "" {
		http.Error(w, "missing participant id in path", http.StatusBadRequest)
		return
	}

	spaceID := strings.TrimSpace(r.URL.Query().Get("space"))
	if spaceID == "" {
		http.Error(w, "missing space query parameter", http.StatusBadRequest)
		return
	}

	token := bearerToken(r)
	logicalName, static, ok := h.auth.Authenticate(spaceID, token)
	if !ok || logicalName != participantID {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.limiterFor(spaceID, logicalName).Allow() {
		notice := systemErrorEnvelope(participantID, nil, "backpressure", "", nil, h.gw.newID, h.gw.now())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(notice)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}

	space := h.gw.SpaceFor(spaceID)

	// The injector authenticates per-call rather than holding a persistent
	// connection; a transient Participant carries its static capabilities
	// through the same pipeline a WebSocket connection would use, then is
	// torn down immediately. Runtime grants earned over a WebSocket session
	// under the same logical name are NOT visible here since nothing ties
	// this ephemeral identity to a live connection's accumulated state --
	// documented as an HTTP-injection limitation in DESIGN.md.
	runtimeID := h.gw.newID()
	p := NewParticipant(runtimeID, logicalName, token, static, h.gw.limits)

	acceptedID, notice, err := h.gw.AcceptEnvelope(space, p, body)
	if err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if notice != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(notice)
		return
	}

	ack := injectAck{
		ID:        acceptedID,
		Status:    "accepted",
		Timestamp: h.gw.now().UTC().Format(time.RFC3339Nano),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ack)
}

func participantIDFromPath(path string) string {
	const prefix = "/participants/"
	const suffix = "/messages"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
}
