package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the dialing side of the signaling channel, used by the call
// orchestrator and by end-to-end tests.
type Client struct {
	ws        *websocket.Conn
	identity  string
	sessionID string
}

type DialOptions struct {
	// Token is sent as the token query parameter when set (jwt auth mode).
	// Otherwise identity and sessionId are sent as plain query parameters.
	Token string

	HandshakeTimeout time.Duration
}

func Dial(ctx context.Context, rawURL, identity, sessionID string, opts DialOptions) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling URL: %w", err)
	}
	q := u.Query()
	if opts.Token != "" {
		q.Set("token", opts.Token)
	} else {
		q.Set("identity", identity)
		q.Set("sessionId", sessionID)
	}
	u.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	return &Client{ws: ws, identity: identity, sessionID: sessionID}, nil
}

func (c *Client) Identity() string { return c.identity }

func (c *Client) SessionID() string { return c.sessionID }

// JoinSession sends the explicit join confirmation for the connection's
// session.
func (c *Client) JoinSession() error {
	return c.Send(Message{Type: MessageTypeJoinSession, SessionID: c.sessionID})
}

func (c *Client) Send(msg Message) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(msg)
}

// SendSignal marshals payload and sends it as a signal message of the given
// type addressed to the session peer.
func (c *Client) SendSignal(msgType MessageType, to string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.Send(Message{
		Type:      msgType,
		From:      c.identity,
		To:        to,
		SessionID: c.sessionID,
		Data:      data,
	})
}

// Receive blocks until the next server message arrives. Server-to-client
// messages are decoded leniently: the server is trusted, so only JSON shape
// is checked.
func (c *Client) Receive() (Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ReceiveTimeout is Receive with a read deadline, for callers that poll.
func (c *Client) ReceiveTimeout(d time.Duration) (Message, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	return c.Receive()
}

func (c *Client) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	return c.ws.Close()
}
