package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwave/call-relay/internal/config"
	"github.com/pairwave/call-relay/internal/metrics"
	"github.com/pairwave/call-relay/internal/origin"
	"github.com/pairwave/call-relay/internal/ratelimit"
)

const (
	wsWriteWait    = 1 * time.Second
	sendBufferSize = 32
)

// Server upgrades signaling WebSocket connections, authenticates them, and
// wires each one into the room registry.
//
// Per-connection protection mirrors the credential endpoint: the shared
// per-identity limiter gates connection attempts, and a per-connection token
// bucket caps message throughput after that.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter
	registry *Registry
	resolver IdentityResolver
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, limiter *ratelimit.Limiter, registry *Registry) (*Server, error) {
	resolver, err := NewIdentityResolver(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(nil, cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
	}
	if registry == nil {
		registry = NewRegistry(logger, m)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		limiter:  limiter,
		registry: registry,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, sessionID, resolveErr := s.resolver.Resolve(r)

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	if resolveErr != nil {
		s.metrics.AuthFailures.Inc()
		s.logger.Warn("signaling connection rejected", "remote", r.RemoteAddr, "error", resolveErr)
		writeClose(wsConn, websocket.ClosePolicyViolation, "authentication required")
		return
	}

	if !s.limiter.Check(identity) {
		s.metrics.RateLimited.Inc()
		s.logger.Warn("signaling connection throttled", "identity", identity)
		writeClose(wsConn, websocket.ClosePolicyViolation, "rate limit exceeded")
		return
	}

	s.metrics.SignalingConnections.Inc()

	c := newConn(wsConn, identity, sessionID)
	go c.writePump(s.cfg.SignalingWSPingInterval)

	if stale := s.registry.Join(sessionID, c); stale != nil {
		if old, ok := stale.(*conn); ok {
			old.kick("replaced by a newer connection")
		}
	}
	defer func() {
		s.registry.Leave(sessionID, c)
		c.shutdown()
	}()

	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	idle := s.cfg.SignalingWSIdleTimeout
	resetDeadline := func() {
		if idle > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	bucket := ratelimit.NewBucket(s.cfg.MaxSignalingMessagesPerSecond, time.Now())

	for {
		if !bucket.Allow(time.Now()) {
			s.metrics.RateLimited.Inc()
			writeClose(ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		resetDeadline()

		msg, err := ParseMessage(data)
		if err != nil {
			s.logger.Debug("invalid signaling message", "identity", c.identity, "error", err)
			writeClose(ws, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		switch {
		case msg.Type == MessageTypeJoinSession:
			// The connection already joined the session it authenticated
			// for; an explicit join only confirms it.
			if msg.SessionID != c.sessionID {
				c.Deliver(errorMessage("session-mismatch", "connection is bound to another session"))
				writeClose(ws, websocket.ClosePolicyViolation, "session mismatch")
				return
			}
			c.Deliver(joinedMessage(c.sessionID))
		case msg.Type.IsSignal():
			if msg.SessionID != "" && msg.SessionID != c.sessionID {
				c.Deliver(errorMessage("session-mismatch", "signal for another session"))
				writeClose(ws, websocket.ClosePolicyViolation, "session mismatch")
				return
			}
			if s.registry.Forward(c.sessionID, c, msg) < 0 {
				writeClose(ws, websocket.ClosePolicyViolation, "not a session member")
				return
			}
		}
	}
}

// conn is one connected signaling endpoint. Outbound messages go through a
// buffered channel drained by writePump; a full buffer drops the connection
// rather than blocking the registry.
type conn struct {
	ws        *websocket.Conn
	identity  string
	sessionID string

	send     chan Message
	closed   chan struct{}
	closeOne sync.Once
}

func newConn(ws *websocket.Conn, identity, sessionID string) *conn {
	return &conn{
		ws:        ws,
		identity:  identity,
		sessionID: sessionID,
		send:      make(chan Message, sendBufferSize),
		closed:    make(chan struct{}),
	}
}

func (c *conn) Identity() string { return c.identity }

func (c *conn) Deliver(msg Message) {
	select {
	case <-c.closed:
	case c.send <- msg:
	default:
		// Slow consumer. Dropping signaling messages would corrupt call
		// setup, so drop the connection instead.
		c.shutdown()
	}
}

// kick sends a policy-violation close frame before dropping the connection,
// so the client learns why it was disconnected.
func (c *conn) kick(reason string) {
	writeClose(c.ws, websocket.ClosePolicyViolation, reason)
	c.shutdown()
}

func (c *conn) shutdown() {
	c.closeOne.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump(pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		raw := strings.TrimSpace(r.Header.Get("Origin"))
		if raw == "" {
			return true
		}
		normalized, host, ok := origin.NormalizeHeader(raw)
		if !ok {
			return false
		}
		return origin.IsAllowed(normalized, host, r.Host, allowed)
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// IsPolicyViolation reports whether err is a close error carrying the policy
// violation code, which the server uses for auth, throttling, and session
// mismatch rejections.
func IsPolicyViolation(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation
}
