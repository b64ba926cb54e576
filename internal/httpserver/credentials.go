package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pairwave/call-relay/internal/turncred"
)

const maxCredentialRequestBytes = 4 * 1024

type credentialRequest struct {
	Identity string `json:"identity"`
}

type credentialResponse struct {
	ICEServers []turncred.ICEServer `json:"iceServers"`
	TTLSeconds int64                `json:"ttlSeconds,omitempty"`
	Timestamp  int64                `json:"timestamp"`
}

// handleTurnCredentials serves the ICE server list for one identity. TURN
// issuance failures degrade to a STUN-only list with HTTP 200; only bad
// requests and throttling produce error statuses.
func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	identity, err := parseCredentialRequest(r)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if s.deps.Limiter != nil && !s.deps.Limiter.Check(identity) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimited.Inc()
		}
		s.log.Warn("credential request rate limited", "identity", identity)
		WriteJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "rate limit exceeded, retry later",
		})
		return
	}

	resp := s.deps.Credentials.ICEServers(r.Context(), identity)
	if s.deps.Metrics != nil {
		if resp.Degraded {
			s.deps.Metrics.CredentialFailures.Inc()
		} else if resp.Issuer != "" {
			s.deps.Metrics.CredentialsIssued.WithLabelValues(resp.Issuer).Inc()
		}
	}

	WriteJSON(w, http.StatusOK, credentialResponse{
		ICEServers: resp.ICEServers,
		TTLSeconds: resp.TTLSeconds,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func parseCredentialRequest(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialRequestBytes+1))
	if err != nil {
		return "", errBadCredentialRequest("unreadable request body")
	}
	if int64(len(body)) > maxCredentialRequestBytes {
		return "", errBadCredentialRequest("request body too large")
	}

	var req credentialRequest
	if len(body) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(body)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return "", errBadCredentialRequest("invalid JSON body")
		}
	}
	if req.Identity == "" {
		req.Identity = r.URL.Query().Get("identity")
	}

	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return "", errBadCredentialRequest("identity is required")
	}
	return identity, nil
}

type errBadCredentialRequest string

func (e errBadCredentialRequest) Error() string { return string(e) }
