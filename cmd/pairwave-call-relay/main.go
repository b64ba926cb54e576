package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pairwave/call-relay/internal/config"
	"github.com/pairwave/call-relay/internal/httpserver"
	"github.com/pairwave/call-relay/internal/metrics"
	"github.com/pairwave/call-relay/internal/ratelimit"
	"github.com/pairwave/call-relay/internal/signaling"
	"github.com/pairwave/call-relay/internal/turncred"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting pairwave-call-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"stun_urls", cfg.STUNURLs,
		"turn_urls", cfg.TurnURLs,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_api_enabled", cfg.TURNAPI.Enabled(),
		"rate_limit_max_requests", cfg.RateLimitMaxRequests,
		"rate_limit_window", cfg.RateLimitWindow,
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()

	limiter := ratelimit.NewLimiter(nil, cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go limiter.RunSweeper(sweepCtx, cfg.RateLimitSweepInterval)

	issuer, err := newIssuer(cfg)
	if err != nil {
		logger.Error("failed to configure TURN credential issuer", "err", err)
		os.Exit(2)
	}
	provider, err := turncred.NewProvider(cfg.STUNURLs, issuer, logger)
	if err != nil {
		logger.Error("failed to configure credential provider", "err", err)
		os.Exit(2)
	}

	registry := signaling.NewRegistry(logger, m)
	sig, err := signaling.NewServer(cfg, logger, m, limiter, registry)
	if err != nil {
		logger.Error("failed to configure signaling server", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime), httpserver.Deps{
		Metrics:     m,
		Credentials: provider,
		Limiter:     limiter,
		Signaling:   sig,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newIssuer picks the TURN credential issuer: the hosted API takes precedence
// over the shared-secret TURN REST scheme; with neither configured the
// provider serves STUN only.
func newIssuer(cfg config.Config) (turncred.Issuer, error) {
	switch {
	case cfg.TURNAPI.Enabled():
		return turncred.NewRESTIssuer(turncred.RESTIssuerConfig{
			URL:       cfg.TURNAPI.URL,
			AccountID: cfg.TURNAPI.AccountID,
			Token:     cfg.TURNAPI.Token,
			KeyID:     cfg.TURNAPI.KeyID,
			Timeout:   cfg.TURNAPI.Timeout,
		})
	case cfg.TURNREST.Enabled():
		return turncred.NewHMACIssuer(turncred.HMACIssuerConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
			TurnURLs:       cfg.TurnURLs,
		})
	default:
		return nil, nil
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
