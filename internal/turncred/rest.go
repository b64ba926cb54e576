package turncred

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const restMaxResponseBytes = 64 * 1024

// restIssuer fetches short-lived TURN credentials from a hosted credential
// API over HTTPS (one mint per call, bearer-authenticated).
type restIssuer struct {
	url       string
	accountID string
	token     string
	keyID     string
	client    *http.Client
}

type RESTIssuerConfig struct {
	URL       string
	AccountID string
	Token     string
	KeyID     string
	Timeout   time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

func NewRESTIssuer(cfg RESTIssuerConfig) (Issuer, error) {
	if cfg.URL == "" {
		return nil, errors.New("URL is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("Token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &restIssuer{
		url:       cfg.URL,
		accountID: cfg.AccountID,
		token:     cfg.Token,
		keyID:     cfg.KeyID,
		client:    client,
	}, nil
}

func (r *restIssuer) Name() string { return "rest" }

type restRequest struct {
	AccountID string `json:"accountId,omitempty"`
	KeyID     string `json:"keyId,omitempty"`
	Identity  string `json:"identity,omitempty"`
}

type restResponse struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	Password   string   `json:"password"`
	TTL        int64    `json:"ttl"`
	URLs       []string `json:"urls"`
}

func (r *restIssuer) Issue(ctx context.Context, identity string) (Grant, error) {
	body, err := json.Marshal(restRequest{
		AccountID: r.accountID,
		KeyID:     r.keyID,
		Identity:  identity,
	})
	if err != nil {
		return Grant{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("credential API request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Grant{}, fmt.Errorf("credential API returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, restMaxResponseBytes))
	if err != nil {
		return Grant{}, fmt.Errorf("read credential API response: %w", err)
	}

	var parsed restResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Grant{}, fmt.Errorf("parse credential API response: %w", err)
	}

	credential := parsed.Credential
	if credential == "" {
		credential = parsed.Password
	}
	if parsed.Username == "" || credential == "" {
		return Grant{}, errors.New("credential API response missing username or credential")
	}
	if len(parsed.URLs) == 0 {
		return Grant{}, errors.New("credential API response missing TURN URLs")
	}

	return Grant{
		Servers: []ICEServer{{
			URLs:       parsed.URLs,
			Username:   parsed.Username,
			Credential: credential,
		}},
		TTLSeconds: parsed.TTL,
	}, nil
}
