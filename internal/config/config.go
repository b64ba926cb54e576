package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envVarConfigFile      = "CALL_RELAY_CONFIG_FILE"
	envVarListenAddr      = "CALL_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "CALL_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "CALL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "CALL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "CALL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "CALL_RELAY_MODE"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Per-identity credential request throttling.
	envVarRateLimitMaxRequests   = "RATE_LIMIT_MAX_REQUESTS"
	envVarRateLimitWindow        = "RATE_LIMIT_WINDOW"
	envVarRateLimitSweepInterval = "RATE_LIMIT_SWEEP_INTERVAL"

	// ICE server provisioning.
	envVarStunURLs = "STUN_URLS"
	envVarTurnURLs = "TURN_URLS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	// Hosted TURN credential API (takes precedence over TURN REST when set).
	envVarTURNAPIURL       = "TURN_API_URL"
	envVarTURNAPIAccountID = "TURN_API_ACCOUNT_ID"
	envVarTURNAPIToken     = "TURN_API_TOKEN"
	envVarTURNAPIKeyID     = "TURN_API_KEY_ID"
	envVarTURNAPITimeout   = "TURN_API_TIMEOUT"

	// Call quality monitoring and relay adaptation.
	envVarQualitySampleInterval = "QUALITY_SAMPLE_INTERVAL"
	envVarRelayMaxBitrateBps    = "RELAY_MAX_BITRATE_BPS"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultRateLimitMaxRequests   = 10
	DefaultRateLimitWindow        = 1000 * time.Millisecond
	DefaultRateLimitSweepInterval = 60 * time.Second

	DefaultStunURLs = "stun:stun.l.google.com:19302,stun:global.stun.twilio.com:3478"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "pairwave"

	DefaultTURNAPITimeout = 5 * time.Second

	DefaultQualitySampleInterval = 5 * time.Second
	DefaultRelayMaxBitrateBps    = 500_000
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

// TurnRESTConfig configures the coturn TURN REST credential scheme
// (time-limited HMAC credentials derived from a shared secret).
type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// TurnAPIConfig configures a hosted TURN credential API (an HTTP endpoint
// that mints short-lived credentials per request).
type TurnAPIConfig struct {
	URL       string
	AccountID string
	Token     string
	KeyID     string
	Timeout   time.Duration
}

func (c TurnAPIConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	JWTSecret string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	RateLimitMaxRequests   int
	RateLimitWindow        time.Duration
	RateLimitSweepInterval time.Duration

	// STUNURLs is always non-empty; TurnURLs may be empty, in which case
	// credential responses degrade to STUN only.
	STUNURLs []string
	TurnURLs []string

	TURNREST TurnRESTConfig
	TURNAPI  TurnAPIConfig

	QualitySampleInterval time.Duration
	RelayMaxBitrateBps    int
}

// fileConfig is the YAML schema for the optional config file. File values act
// as defaults: environment variables and flags override them.
type fileConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	PublicBaseURL   string `yaml:"public_base_url"`
	AllowedOrigins  string `yaml:"allowed_origins"`
	LogFormat       string `yaml:"log_format"`
	LogLevel        string `yaml:"log_level"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	Mode            string `yaml:"mode"`

	AuthMode  string `yaml:"auth_mode"`
	JWTSecret string `yaml:"jwt_secret"`

	SignalingWSIdleTimeout        string `yaml:"signaling_ws_idle_timeout"`
	SignalingWSPingInterval       string `yaml:"signaling_ws_ping_interval"`
	MaxSignalingMessageBytes      string `yaml:"max_signaling_message_bytes"`
	MaxSignalingMessagesPerSecond string `yaml:"max_signaling_messages_per_second"`

	RateLimitMaxRequests   string `yaml:"rate_limit_max_requests"`
	RateLimitWindow        string `yaml:"rate_limit_window"`
	RateLimitSweepInterval string `yaml:"rate_limit_sweep_interval"`

	StunURLs string `yaml:"stun_urls"`
	TurnURLs string `yaml:"turn_urls"`

	TURNRESTSharedSecret   string `yaml:"turn_rest_shared_secret"`
	TURNRESTTTLSeconds     string `yaml:"turn_rest_ttl_seconds"`
	TURNRESTUsernamePrefix string `yaml:"turn_rest_username_prefix"`

	TURNAPIURL       string `yaml:"turn_api_url"`
	TURNAPIAccountID string `yaml:"turn_api_account_id"`
	TURNAPIToken     string `yaml:"turn_api_token"`
	TURNAPIKeyID     string `yaml:"turn_api_key_id"`
	TURNAPITimeout   string `yaml:"turn_api_timeout"`

	QualitySampleInterval string `yaml:"quality_sample_interval"`
	RelayMaxBitrateBps    string `yaml:"relay_max_bitrate_bps"`
}

func (f fileConfig) values() map[string]string {
	vals := map[string]string{
		envVarListenAddr:      f.ListenAddr,
		envVarPublicBaseURL:   f.PublicBaseURL,
		envVarAllowedOrigins:  f.AllowedOrigins,
		envVarLogFormat:       f.LogFormat,
		envVarLogLevel:        f.LogLevel,
		envVarShutdownTimeout: f.ShutdownTimeout,
		envVarMode:            f.Mode,

		envVarAuthMode:  f.AuthMode,
		envVarJWTSecret: f.JWTSecret,

		envVarSignalingWSIdleTimeout:        f.SignalingWSIdleTimeout,
		envVarSignalingWSPingInterval:       f.SignalingWSPingInterval,
		envVarMaxSignalingMessageBytes:      f.MaxSignalingMessageBytes,
		envVarMaxSignalingMessagesPerSecond: f.MaxSignalingMessagesPerSecond,

		envVarRateLimitMaxRequests:   f.RateLimitMaxRequests,
		envVarRateLimitWindow:        f.RateLimitWindow,
		envVarRateLimitSweepInterval: f.RateLimitSweepInterval,

		envVarStunURLs: f.StunURLs,
		envVarTurnURLs: f.TurnURLs,

		envVarTURNRESTSharedSecret:   f.TURNRESTSharedSecret,
		envVarTURNRESTTTLSeconds:     f.TURNRESTTTLSeconds,
		envVarTURNRESTUsernamePrefix: f.TURNRESTUsernamePrefix,

		envVarTURNAPIURL:       f.TURNAPIURL,
		envVarTURNAPIAccountID: f.TURNAPIAccountID,
		envVarTURNAPIToken:     f.TURNAPIToken,
		envVarTURNAPIKeyID:     f.TURNAPIKeyID,
		envVarTURNAPITimeout:   f.TURNAPITimeout,

		envVarQualitySampleInterval: f.QualitySampleInterval,
		envVarRelayMaxBitrateBps:    f.RelayMaxBitrateBps,
	}
	for k, v := range vals {
		if strings.TrimSpace(v) == "" {
			delete(vals, k)
		}
	}
	return vals
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, os.ReadFile, args)
}

func load(envLookup func(string) (string, bool), readFile func(string) ([]byte, error), args []string) (Config, error) {
	configPath, argsWithoutConfig, err := extractConfigFlag(args)
	if err != nil {
		return Config{}, err
	}
	if configPath == "" {
		if raw, ok := envLookup(envVarConfigFile); ok {
			configPath = strings.TrimSpace(raw)
		}
	}

	fileValues := map[string]string{}
	if configPath != "" {
		data, err := readFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configPath, err)
		}
		var f fileConfig
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
		fileValues = f.values()
	}

	// Environment takes precedence over the file; both become flag defaults.
	lookup := func(key string) (string, bool) {
		if v, ok := envLookup(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := valueOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := valueOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := valueOrDefault(lookup, envVarAllowedOrigins, "")

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	jwtSecret := valueOrDefault(lookup, envVarJWTSecret, "")

	shutdownTimeout, err := durationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := durationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := durationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := intOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	rateLimitMaxRequests, err := intOrDefault(lookup, envVarRateLimitMaxRequests, DefaultRateLimitMaxRequests)
	if err != nil {
		return Config{}, err
	}
	rateLimitWindow, err := durationOrDefault(lookup, envVarRateLimitWindow, DefaultRateLimitWindow)
	if err != nil {
		return Config{}, err
	}
	rateLimitSweepInterval, err := durationOrDefault(lookup, envVarRateLimitSweepInterval, DefaultRateLimitSweepInterval)
	if err != nil {
		return Config{}, err
	}

	stunURLsStr := valueOrDefault(lookup, envVarStunURLs, DefaultStunURLs)
	turnURLsStr := valueOrDefault(lookup, envVarTurnURLs, "")

	turnRESTSharedSecret := valueOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := valueOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	turnAPIURL := valueOrDefault(lookup, envVarTURNAPIURL, "")
	turnAPIAccountID := valueOrDefault(lookup, envVarTURNAPIAccountID, "")
	turnAPIToken := valueOrDefault(lookup, envVarTURNAPIToken, "")
	turnAPIKeyID := valueOrDefault(lookup, envVarTURNAPIKeyID, "")
	turnAPITimeout, err := durationOrDefault(lookup, envVarTURNAPITimeout, DefaultTURNAPITimeout)
	if err != nil {
		return Config{}, err
	}

	qualitySampleInterval, err := durationOrDefault(lookup, envVarQualitySampleInterval, DefaultQualitySampleInterval)
	if err != nil {
		return Config{}, err
	}
	relayMaxBitrateBps, err := intOrDefault(lookup, envVarRelayMaxBitrateBps, DefaultRelayMaxBitrateBps)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("pairwave-call-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
		configFlag   string
	)

	fs.StringVar(&configFlag, "config", configPath, "Path to YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HMAC secret for JWT auth (env "+envVarJWTSecret+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close signaling connections idle longer than this (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "WebSocket ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Per-connection signaling message rate cap (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.IntVar(&rateLimitMaxRequests, "rate-limit-max-requests", rateLimitMaxRequests, "Credential requests allowed per identity per window (env "+envVarRateLimitMaxRequests+")")
	fs.DurationVar(&rateLimitWindow, "rate-limit-window", rateLimitWindow, "Credential rate limit window (env "+envVarRateLimitWindow+")")
	fs.DurationVar(&rateLimitSweepInterval, "rate-limit-sweep-interval", rateLimitSweepInterval, "How often expired limiter entries are swept (env "+envVarRateLimitSweepInterval+")")

	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "Comma-separated STUN URLs (env "+envVarStunURLs+")")
	fs.StringVar(&turnURLsStr, "turn-urls", turnURLsStr, "Comma-separated TURN URLs (env "+envVarTurnURLs+")")

	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	fs.StringVar(&turnAPIURL, "turn-api-url", turnAPIURL, "Hosted TURN credential API URL (env "+envVarTURNAPIURL+")")
	fs.StringVar(&turnAPIAccountID, "turn-api-account-id", turnAPIAccountID, "Hosted TURN credential API account ID (env "+envVarTURNAPIAccountID+")")
	fs.StringVar(&turnAPIToken, "turn-api-token", turnAPIToken, "Hosted TURN credential API bearer token (env "+envVarTURNAPIToken+")")
	fs.StringVar(&turnAPIKeyID, "turn-api-key-id", turnAPIKeyID, "Hosted TURN credential API key ID (env "+envVarTURNAPIKeyID+")")
	fs.DurationVar(&turnAPITimeout, "turn-api-timeout", turnAPITimeout, "Hosted TURN credential API request timeout (env "+envVarTURNAPITimeout+")")

	fs.DurationVar(&qualitySampleInterval, "quality-sample-interval", qualitySampleInterval, "Interval between connection quality samples (env "+envVarQualitySampleInterval+")")
	fs.IntVar(&relayMaxBitrateBps, "relay-max-bitrate-bps", relayMaxBitrateBps, "Video bitrate ceiling applied on TURN-relayed calls (env "+envVarRelayMaxBitrateBps+")")

	if err := fs.Parse(argsWithoutConfig); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be positive, got %v", shutdownTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max signaling message bytes must be positive, got %d", maxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("max signaling messages per second must be positive, got %d", maxSignalingMessagesPerSecond)
	}
	if rateLimitMaxRequests <= 0 {
		return Config{}, fmt.Errorf("rate limit max requests must be positive, got %d", rateLimitMaxRequests)
	}
	if rateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("rate limit window must be positive, got %v", rateLimitWindow)
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("TURN REST TTL seconds must be positive, got %d", turnRESTTTLSeconds)
	}
	if qualitySampleInterval <= 0 {
		return Config{}, fmt.Errorf("quality sample interval must be positive, got %v", qualitySampleInterval)
	}
	if relayMaxBitrateBps <= 0 {
		return Config{}, fmt.Errorf("relay max bitrate must be positive, got %d", relayMaxBitrateBps)
	}

	stunURLs, err := parseURLList(stunURLsStr, "stun")
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarStunURLs, err)
	}
	if len(stunURLs) == 0 {
		stunURLs = strings.Split(DefaultStunURLs, ",")
	}
	turnURLs, err := parseURLList(turnURLsStr, "turn")
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarTurnURLs, err)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   turnRESTSharedSecret,
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: turnRESTUsernamePrefix,
	}
	turnAPI := TurnAPIConfig{
		URL:       turnAPIURL,
		AccountID: turnAPIAccountID,
		Token:     turnAPIToken,
		KeyID:     turnAPIKeyID,
		Timeout:   turnAPITimeout,
	}
	if turnREST.Enabled() && len(turnURLs) == 0 {
		return Config{}, fmt.Errorf("%s is set but %s is empty", envVarTURNRESTSharedSecret, envVarTurnURLs)
	}

	return Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		JWTSecret: jwtSecret,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		RateLimitMaxRequests:   rateLimitMaxRequests,
		RateLimitWindow:        rateLimitWindow,
		RateLimitSweepInterval: rateLimitSweepInterval,

		STUNURLs: stunURLs,
		TurnURLs: turnURLs,
		TURNREST: turnREST,
		TURNAPI:  turnAPI,

		QualitySampleInterval: qualitySampleInterval,
		RelayMaxBitrateBps:    relayMaxBitrateBps,
	}, nil
}

// extractConfigFlag pulls --config out of args before the main FlagSet parse
// so the file can seed flag defaults. All other args pass through untouched.
func extractConfigFlag(args []string) (path string, rest []string, err error) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-config":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("flag needs an argument: %s", arg)
			}
			i++
			path = args[i]
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-config="):
			path = strings.TrimPrefix(arg, "-config=")
		default:
			rest = append(rest, arg)
		}
	}
	return path, rest, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	switch cfg.LogFormat {
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
}

func valueOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func intOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func durationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	if mode == string(ModeProd) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if mode == string(ModeProd) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q (want debug, info, warn, or error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(raw))) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeJWT:
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q (want none or jwt)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if origin == "*" {
			out = append(out, origin)
			continue
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return nil, fmt.Errorf("invalid origin %q (must be * or start with http:// or https://)", origin)
		}
		out = append(out, strings.TrimSuffix(origin, "/"))
	}
	return out, nil
}

// parseURLList splits a comma-separated URL list and checks each entry's
// scheme. scheme "stun" also accepts stuns; "turn" also accepts turns.
func parseURLList(raw, scheme string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		u := strings.TrimSpace(part)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, scheme+":") && !strings.HasPrefix(u, scheme+"s:") {
			return nil, fmt.Errorf("URL %q does not have scheme %s or %ss", u, scheme, scheme)
		}
		out = append(out, u)
	}
	return out, nil
}
