package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/pairwave/call-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := &recordingHandler{mu: h.mu, records: h.records}
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return cp
}

func (h *recordingHandler) WithGroup(string) slog.Handler {
	return h
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:     config.ModeDev,
		AuthMode: config.AuthModeNone,
	}

	logStartupSecurityWarnings(logger, cfg)

	if !warningCodes(records())["auth_mode_none"] {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeProd,
		AuthMode:       config.AuthModeJWT,
		JWTSecret:      "0123456789abcdef0123456789abcdef",
		AllowedOrigins: []string{"*"},
	}

	logStartupSecurityWarnings(logger, cfg)

	codes := warningCodes(records())
	if !codes["allowed_origins_wildcard"] {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
	if codes["auth_mode_none"] || codes["jwt_secret_short"] {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}

func TestStartupSecurityWarnings_ShortJWTSecret(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:      config.ModeProd,
		AuthMode:  config.AuthModeJWT,
		JWTSecret: "short",
	}

	logStartupSecurityWarnings(logger, cfg)

	if !warningCodes(records())["jwt_secret_short"] {
		t.Fatalf("expected warning_code=jwt_secret_short, got %#v", records())
	}
}

func TestStartupSecurityWarnings_TurnURLsWithoutIssuer(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:      config.ModeProd,
		AuthMode:  config.AuthModeJWT,
		JWTSecret: "0123456789abcdef0123456789abcdef",
		TurnURLs:  []string{"turn:turn.example.net:3478"},
	}

	logStartupSecurityWarnings(logger, cfg)

	if !warningCodes(records())["turn_urls_without_issuer"] {
		t.Fatalf("expected warning_code=turn_urls_without_issuer, got %#v", records())
	}
}

func TestStartupSecurityWarnings_QuietWhenConfigured(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeProd,
		AuthMode:       config.AuthModeJWT,
		JWTSecret:      "0123456789abcdef0123456789abcdef",
		AllowedOrigins: []string{"https://app.example.com"},
		TurnURLs:       []string{"turn:turn.example.net:3478"},
		TURNREST: config.TurnRESTConfig{
			SharedSecret:   "s3cret",
			TTLSeconds:     3600,
			UsernamePrefix: "pairwave",
		},
	}

	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("expected no warnings, got %#v", codes)
	}
}
