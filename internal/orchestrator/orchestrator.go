// Package orchestrator drives the lifecycle of one call attempt: peer
// connection setup, offer/answer negotiation through the signaling relay,
// candidate buffering, relay adaptation, and teardown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairwave/call-relay/internal/quality"
	"github.com/pairwave/call-relay/internal/signaling"
	"github.com/pairwave/call-relay/internal/turncred"
)

// Signaler sends signal messages to the session peer. *signaling.Client
// satisfies it.
type Signaler interface {
	SendSignal(msgType signaling.MessageType, to string, payload any) error
	Close() error
}

// Receiver yields inbound signaling messages. *signaling.Client satisfies it.
type Receiver interface {
	Receive() (signaling.Message, error)
}

// CredentialSource provides the ICE server list for new peer connections.
// *turncred.Provider satisfies it.
type CredentialSource interface {
	ICEServers(ctx context.Context, identity string) turncred.Response
}

const DefaultRelayMaxBitrateBps = 500_000

type Config struct {
	Identity       string
	RemoteIdentity string
	SessionID      string

	Signaler    Signaler
	Media       Media
	Credentials CredentialSource

	// NewPeer defaults to a plain pion factory.
	NewPeer PeerFactory

	Logger             *slog.Logger
	QualityInterval    time.Duration
	RelayMaxBitrateBps int

	// OnStateChange, OnQualitySample, and OnFailure are invoked from
	// orchestrator goroutines and must not call back into the
	// orchestrator synchronously.
	OnStateChange   func(State)
	OnQualitySample func(quality.Sample)
	OnFailure       func(error)
}

type Orchestrator struct {
	identity  string
	remote    string
	sessionID string

	signaler Signaler
	media    Media
	creds    CredentialSource
	newPeer  PeerFactory
	logger   *slog.Logger

	qualityInterval    time.Duration
	relayMaxBitrateBps int

	onStateChange   func(State)
	onQualitySample func(quality.Sample)
	onFailure       func(error)

	// sendMu serializes writes to the signaler: pion event callbacks and
	// the message-handling goroutine both send.
	sendMu sync.Mutex

	mu                sync.Mutex
	state             State
	peer              Peer
	monitor           *quality.Monitor
	pending           []webrtc.ICECandidateInit
	remoteDescApplied bool
	relayed           bool
	iceRestarted      bool
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("Signaler is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("Media is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("Credentials is required")
	}
	if cfg.RemoteIdentity == "" || cfg.SessionID == "" {
		return nil, errors.New("RemoteIdentity and SessionID are required")
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = NewPionFactory(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = quality.DefaultInterval
	}
	if cfg.RelayMaxBitrateBps <= 0 {
		cfg.RelayMaxBitrateBps = DefaultRelayMaxBitrateBps
	}
	return &Orchestrator{
		identity:           cfg.Identity,
		remote:             cfg.RemoteIdentity,
		sessionID:          cfg.SessionID,
		signaler:           cfg.Signaler,
		media:              cfg.Media,
		creds:              cfg.Credentials,
		newPeer:            cfg.NewPeer,
		logger:             cfg.Logger.With("session_id", cfg.SessionID, "remote", cfg.RemoteIdentity),
		qualityInterval:    cfg.QualityInterval,
		relayMaxBitrateBps: cfg.RelayMaxBitrateBps,
		onStateChange:      cfg.OnStateChange,
		onQualitySample:    cfg.OnQualitySample,
		onFailure:          cfg.OnFailure,
		state:              StateNew,
	}, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Relayed reports whether the call adapted to a TURN-relayed path.
func (o *Orchestrator) Relayed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.relayed
}

// StartCall begins an outbound call: it builds the peer connection from the
// current credential set, attaches local media, and sends the offer. Valid
// only from the new state.
func (o *Orchestrator) StartCall(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateNew {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("start call: invalid in state %s", state)
	}
	o.mu.Unlock()

	peer, err := o.buildPeer(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.state != StateNew {
		state := o.state
		o.mu.Unlock()
		_ = peer.Close()
		return fmt.Errorf("start call: invalid in state %s", state)
	}
	o.peer = peer
	changed := o.setStateLocked(StateConnecting)
	o.mu.Unlock()
	o.notifyState(changed, StateConnecting)

	offer, err := peer.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := o.sendSignal(signaling.MessageTypeOffer, o.remote, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleMessage dispatches one inbound signaling message. Malformed or
// out-of-order negotiation messages are logged and dropped rather than
// failing the call.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg signaling.Message) error {
	switch msg.Type {
	case signaling.MessageTypeOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &desc); err != nil {
			o.logger.Warn("dropping malformed offer", "error", err)
			return nil
		}
		return o.handleRemoteOffer(ctx, msg.From, desc)
	case signaling.MessageTypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &desc); err != nil {
			o.logger.Warn("dropping malformed answer", "error", err)
			return nil
		}
		o.handleRemoteAnswer(desc)
		return nil
	case signaling.MessageTypeICECandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &init); err != nil {
			o.logger.Warn("dropping malformed candidate", "error", err)
			return nil
		}
		o.handleRemoteCandidate(init)
		return nil
	case signaling.MessageTypeConnectionState:
		o.logger.Debug("remote connection state", "data", string(msg.Data))
		return nil
	case signaling.MessageTypePeerJoined, signaling.MessageTypePeerLeft:
		o.logger.Info("room membership change", "type", msg.Type, "identity", msg.Identity)
		return nil
	case signaling.MessageTypeError:
		o.logger.Warn("relay error", "code", msg.Code, "reason", msg.Reason)
		return nil
	default:
		o.logger.Warn("dropping unexpected message", "type", msg.Type)
		return nil
	}
}

// Run pumps messages from r into HandleMessage until the receiver fails,
// which happens when the signaling connection closes.
func (o *Orchestrator) Run(ctx context.Context, r Receiver) error {
	for {
		msg, err := r.Receive()
		if err != nil {
			if ctx.Err() != nil || o.State() == StateClosed {
				return nil
			}
			return fmt.Errorf("signaling receive: %w", err)
		}
		if err := o.HandleMessage(ctx, msg); err != nil {
			o.logger.Warn("message handling failed", "type", msg.Type, "error", err)
		}
	}
}

// EndCall tears the call down: stops quality monitoring, closes the peer
// connection, releases media, clears buffered candidates and adaptation
// flags, and disconnects from the relay. Safe to call repeatedly.
func (o *Orchestrator) EndCall() error {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return nil
	}
	if o.monitor != nil {
		o.monitor.Stop()
		o.monitor = nil
	}
	peer := o.peer
	o.peer = nil
	o.pending = nil
	o.remoteDescApplied = false
	o.relayed = false
	changed := o.setStateLocked(StateClosed)
	o.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
	_ = o.media.Release()
	_ = o.signaler.Close()
	o.notifyState(changed, StateClosed)
	return nil
}

func (o *Orchestrator) buildPeer(ctx context.Context) (Peer, error) {
	resp := o.creds.ICEServers(ctx, o.identity)
	peer, err := o.newPeer(resp.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	tracks, err := o.media.Tracks(ctx)
	if err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("acquire media: %w", err)
	}
	for _, track := range tracks {
		if _, err := peer.AddTrack(track); err != nil {
			_ = peer.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	if len(tracks) == 0 {
		// Without media the SDP would carry no transport section; a control
		// channel keeps the negotiation viable.
		if _, err := peer.CreateDataChannel("control", nil); err != nil {
			_ = peer.Close()
			return nil, fmt.Errorf("create control channel: %w", err)
		}
	}

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := o.sendSignal(signaling.MessageTypeICECandidate, o.remote, c.ToJSON()); err != nil {
			o.logger.Warn("failed to send candidate", "error", err)
		}
	})
	peer.OnConnectionStateChange(o.handleTransportState)
	return peer, nil
}

func (o *Orchestrator) handleRemoteOffer(ctx context.Context, from string, desc webrtc.SessionDescription) error {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		o.logger.Warn("dropping offer in terminal state")
		return nil
	}
	peer := o.peer
	o.mu.Unlock()

	if peer == nil {
		built, err := o.buildPeer(ctx)
		if err != nil {
			return err
		}
		o.mu.Lock()
		if o.peer != nil || o.state.Terminal() {
			o.mu.Unlock()
			_ = built.Close()
			return nil
		}
		o.peer = built
		changed := o.setStateLocked(StateConnecting)
		o.mu.Unlock()
		o.notifyState(changed, StateConnecting)
		peer = built
	}

	if err := peer.SetRemoteDescription(desc); err != nil {
		o.logger.Warn("dropping invalid offer", "error", err)
		return nil
	}
	o.drainPending(peer)

	answer, err := peer.CreateAnswer(nil)
	if err != nil {
		o.logger.Warn("failed to create answer", "error", err)
		return nil
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		o.logger.Warn("failed to set local answer", "error", err)
		return nil
	}

	to := from
	if to == "" {
		to = o.remote
	}
	if err := o.sendSignal(signaling.MessageTypeAnswer, to, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleRemoteAnswer(desc webrtc.SessionDescription) {
	o.mu.Lock()
	peer := o.peer
	terminal := o.state.Terminal()
	o.mu.Unlock()

	if peer == nil || terminal {
		o.logger.Warn("dropping answer without active negotiation")
		return
	}
	if err := peer.SetRemoteDescription(desc); err != nil {
		o.logger.Warn("dropping invalid answer", "error", err)
		return
	}
	o.drainPending(peer)
}

// handleRemoteCandidate buffers candidates that arrive before the remote
// description; once the description lands the buffer is drained in arrival
// order, and later candidates are applied immediately.
func (o *Orchestrator) handleRemoteCandidate(init webrtc.ICECandidateInit) {
	o.mu.Lock()
	if !o.remoteDescApplied || o.peer == nil {
		o.pending = append(o.pending, init)
		o.mu.Unlock()
		return
	}
	peer := o.peer
	o.mu.Unlock()

	if err := peer.AddICECandidate(init); err != nil {
		o.logger.Warn("dropping invalid candidate", "error", err)
	}
}

func (o *Orchestrator) drainPending(peer Peer) {
	o.mu.Lock()
	o.remoteDescApplied = true
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, init := range pending {
		if err := peer.AddICECandidate(init); err != nil {
			o.logger.Warn("dropping buffered candidate", "error", err)
		}
	}
}

func (o *Orchestrator) handleTransportState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		o.handleConnected()
	case webrtc.PeerConnectionStateDisconnected:
		o.mu.Lock()
		if o.monitor != nil {
			o.monitor.Stop()
		}
		changed := o.setStateLocked(StateDisconnected)
		o.mu.Unlock()
		o.notifyState(changed, StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		o.handleTransportFailure()
	}
}

func (o *Orchestrator) handleConnected() {
	o.mu.Lock()
	if o.state.Terminal() || o.peer == nil {
		o.mu.Unlock()
		return
	}
	peer := o.peer
	changed := o.setStateLocked(StateConnected)
	if o.monitor != nil {
		o.monitor.Stop()
	}
	monitor := quality.NewMonitor(quality.MonitorConfig{
		Source:   peer,
		Interval: o.qualityInterval,
		OnSample: o.handleSample,
		Logger:   o.logger,
	})
	o.monitor = monitor
	o.mu.Unlock()

	o.notifyState(changed, StateConnected)
	monitor.Start(context.Background())

	if quality.Relayed(peer.GetStats()) {
		o.adaptToRelay()
	}
}

func (o *Orchestrator) handleSample(sample quality.Sample) {
	if sample.Relayed {
		o.adaptToRelay()
	}
	if o.onQualitySample != nil {
		o.onQualitySample(sample)
	}
}

func (o *Orchestrator) adaptToRelay() {
	o.mu.Lock()
	if o.relayed {
		o.mu.Unlock()
		return
	}
	o.relayed = true
	o.mu.Unlock()

	o.logger.Info("relayed path detected, reducing video profile", "max_bitrate_bps", o.relayMaxBitrateBps)
	if err := o.media.SetMaxVideoBitrate(o.relayMaxBitrateBps); err != nil {
		o.logger.Warn("failed to clamp video bitrate", "error", err)
	}
	if err := o.media.ReduceCaptureProfile(); err != nil {
		o.logger.Warn("failed to reduce capture profile", "error", err)
	}
}

// handleTransportFailure attempts exactly one ICE restart; a second failure
// is terminal.
func (o *Orchestrator) handleTransportFailure() {
	o.mu.Lock()
	if o.state.Terminal() || o.peer == nil {
		o.mu.Unlock()
		return
	}
	if o.iceRestarted {
		o.failLocked(errors.New("transport failed after ICE restart"))
		return
	}
	o.iceRestarted = true
	peer := o.peer
	if o.monitor != nil {
		o.monitor.Stop()
	}
	// The restart opens a new negotiation round, so candidates buffer
	// again until the fresh answer arrives.
	o.remoteDescApplied = false
	changed := o.setStateLocked(StateConnecting)
	o.mu.Unlock()
	o.notifyState(changed, StateConnecting)

	o.logger.Info("transport failed, attempting ICE restart")
	offer, err := peer.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		o.fail(fmt.Errorf("ice restart offer: %w", err))
		return
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		o.fail(fmt.Errorf("ice restart local description: %w", err))
		return
	}
	if err := o.sendSignal(signaling.MessageTypeOffer, o.remote, offer); err != nil {
		o.fail(fmt.Errorf("ice restart send: %w", err))
	}
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.failLocked(err)
}

// failLocked is called with o.mu held and releases it.
func (o *Orchestrator) failLocked(err error) {
	if o.monitor != nil {
		o.monitor.Stop()
	}
	changed := o.setStateLocked(StateFailed)
	o.mu.Unlock()

	o.notifyState(changed, StateFailed)
	o.logger.Error("call failed", "error", err)
	if o.onFailure != nil {
		o.onFailure(err)
	}
}

func (o *Orchestrator) sendSignal(msgType signaling.MessageType, to string, payload any) error {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	return o.signaler.SendSignal(msgType, to, payload)
}

func (o *Orchestrator) setStateLocked(to State) bool {
	if o.state == to {
		return false
	}
	if !o.state.canTransitionTo(to) {
		o.logger.Warn("rejected state transition", "from", o.state, "to", to)
		return false
	}
	o.logger.Debug("state transition", "from", o.state, "to", to)
	o.state = to
	return true
}

func (o *Orchestrator) notifyState(changed bool, to State) {
	if changed && o.onStateChange != nil {
		o.onStateChange(to)
	}
}
