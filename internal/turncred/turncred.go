// Package turncred provisions ephemeral TURN credentials for callers.
//
// Two issuers are supported: a coturn-compatible TURN REST signer (HMAC over
// a shared secret, no network calls) and a hosted credential API client. A
// Provider wraps whichever issuer is configured and degrades to a STUN-only
// server list when issuance fails, so a TURN outage never blocks calls that
// can connect directly.
package turncred

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ICEServer is the wire shape handed to clients, matching the WebRTC
// RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Grant is one issuer's output: TURN servers with embedded credentials and
// how long they remain valid.
type Grant struct {
	Servers    []ICEServer
	TTLSeconds int64
}

// Issuer mints TURN credentials for an identity.
type Issuer interface {
	Name() string
	Issue(ctx context.Context, identity string) (Grant, error)
}

// Response is what the credential endpoint returns to a client.
type Response struct {
	ICEServers []ICEServer `json:"iceServers"`
	TTLSeconds int64       `json:"ttlSeconds,omitempty"`
	Issuer     string      `json:"-"`
	Degraded   bool        `json:"-"`
}

// Provider combines the configured STUN servers with TURN credentials from an
// optional issuer.
type Provider struct {
	stunURLs []string
	issuer   Issuer
	logger   *slog.Logger
}

func NewProvider(stunURLs []string, issuer Issuer, logger *slog.Logger) (*Provider, error) {
	if len(stunURLs) == 0 {
		return nil, errors.New("at least one STUN URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{stunURLs: stunURLs, issuer: issuer, logger: logger}, nil
}

// ICEServers returns the server list for identity. Issuer failures are
// logged and reported via Degraded, never returned as an error: the STUN
// portion of the list is always served.
func (p *Provider) ICEServers(ctx context.Context, identity string) Response {
	resp := Response{
		ICEServers: []ICEServer{{URLs: append([]string(nil), p.stunURLs...)}},
	}
	if p.issuer == nil {
		return resp
	}

	grant, err := p.issuer.Issue(ctx, identity)
	if err != nil {
		p.logger.Warn("TURN credential issuance failed, serving STUN only",
			"issuer", p.issuer.Name(),
			"identity", identity,
			"error", err)
		resp.Degraded = true
		return resp
	}

	resp.ICEServers = append(resp.ICEServers, grant.Servers...)
	resp.TTLSeconds = grant.TTLSeconds
	resp.Issuer = p.issuer.Name()
	return resp
}

// hmacIssuer implements coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<identity_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
type hmacIssuer struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	turnURLs       []string
	now            func() time.Time

	idSource func() (string, error)
}

type HMACIssuerConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	TurnURLs       []string

	// Now and IDSource exist for deterministic tests.
	Now      func() time.Time
	IDSource func() (string, error)
}

func NewHMACIssuer(cfg HMACIssuerConfig) (Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if len(cfg.TurnURLs) == 0 {
		return nil, errors.New("at least one TURN URL is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDSource == nil {
		cfg.IDSource = cryptoRandomID
	}
	return &hmacIssuer{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		turnURLs:       cfg.TurnURLs,
		now:            cfg.Now,
		idSource:       cfg.IDSource,
	}, nil
}

func (g *hmacIssuer) Name() string { return "turn-rest" }

func (g *hmacIssuer) Issue(_ context.Context, identity string) (Grant, error) {
	// Colons are the username field separator; identities containing them
	// get a random suffix instead so issuance still succeeds.
	if identity == "" || strings.Contains(identity, ":") {
		random, err := g.idSource()
		if err != nil {
			return Grant{}, err
		}
		identity = random
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, identity)
	credential := signUsername(g.sharedSecret, username)
	return Grant{
		Servers: []ICEServer{{
			URLs:       append([]string(nil), g.turnURLs...),
			Username:   username,
			Credential: credential,
		}},
		TTLSeconds: g.ttlSeconds,
	}, nil
}

func cryptoRandomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	sum := mac.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum)
}
