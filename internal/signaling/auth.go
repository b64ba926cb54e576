package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pairwave/call-relay/internal/config"
)

var ErrMissingIdentity = errors.New("missing identity or session id")

// IdentityResolver extracts the caller identity and session id from a
// connection request. Both are required; their absence is fatal for the
// connection attempt.
type IdentityResolver interface {
	Resolve(r *http.Request) (identity, sessionID string, err error)
}

func NewIdentityResolver(cfg config.Config) (IdentityResolver, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return queryResolver{}, nil
	case config.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("jwt auth mode requires a secret")
		}
		return jwtResolver{secret: []byte(cfg.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// queryResolver trusts identity and sessionId query parameters directly.
// Suitable only behind an authenticating proxy or in dev mode.
type queryResolver struct{}

func (queryResolver) Resolve(r *http.Request) (string, string, error) {
	q := r.URL.Query()
	identity := strings.TrimSpace(q.Get("identity"))
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	if identity == "" || sessionID == "" {
		return "", "", ErrMissingIdentity
	}
	return identity, sessionID, nil
}

// jwtResolver takes identity and session id from HS256 JWT claims (sub and
// sid). The token comes from the token query parameter or a bearer header.
type jwtResolver struct {
	secret []byte
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (j jwtResolver) Resolve(r *http.Request) (string, string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("token"))
	if raw == "" {
		header := r.Header.Get("Authorization")
		if after, found := strings.CutPrefix(header, "Bearer "); found {
			raw = strings.TrimSpace(after)
		}
	}
	if raw == "" {
		return "", "", ErrMissingIdentity
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", "", errors.New("invalid token")
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return "", "", ErrMissingIdentity
	}
	return claims.Subject, claims.SessionID, nil
}
