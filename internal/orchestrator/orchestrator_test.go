package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairwave/call-relay/internal/signaling"
	"github.com/pairwave/call-relay/internal/turncred"
)

type fakePeer struct {
	mu           sync.Mutex
	remoteDesc   *webrtc.SessionDescription
	localDesc    *webrtc.SessionDescription
	applied      []webrtc.ICECandidateInit
	restartCount int
	trackCount   int
	channelCount int
	closeCount   int
	stats        webrtc.StatsReport

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)

	remoteDescErr error
}

func (p *fakePeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if options != nil && options.ICERestart {
		p.restartCount++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDescErr != nil {
		return p.remoteDescErr
	}
	p.remoteDesc = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, candidate)
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localDesc
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) { p.onICE = f }

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { p.onState = f }

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackCount++
	return nil, nil
}

func (p *fakePeer) CreateDataChannel(string, *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelCount++
	return nil, nil
}

func (p *fakePeer) GetStats() webrtc.StatsReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stats == nil {
		return webrtc.StatsReport{}
	}
	return p.stats
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	return nil
}

func (p *fakePeer) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

type sentSignal struct {
	msgType signaling.MessageType
	to      string
	payload any
}

type fakeSignaler struct {
	mu         sync.Mutex
	sent       []sentSignal
	closeCount int
}

func (s *fakeSignaler) SendSignal(msgType signaling.MessageType, to string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentSignal{msgType: msgType, to: to, payload: payload})
	return nil
}

func (s *fakeSignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

func (s *fakeSignaler) sentMessages() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentSignal(nil), s.sent...)
}

type fakeCreds struct {
	resp turncred.Response
}

func (c fakeCreds) ICEServers(context.Context, string) turncred.Response { return c.resp }

type fixture struct {
	orch     *Orchestrator
	peer     *fakePeer
	signaler *fakeSignaler
	media    *StaticMedia
	failures chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	peer := &fakePeer{}
	signaler := &fakeSignaler{}
	media := NewStaticMedia()
	failures := make(chan error, 4)

	orch, err := New(Config{
		Identity:       "alice",
		RemoteIdentity: "bob",
		SessionID:      "s1",
		Signaler:       signaler,
		Media:          media,
		Credentials:    fakeCreds{resp: turncred.Response{ICEServers: []turncred.ICEServer{{URLs: []string{"stun:s:19302"}}}}},
		NewPeer:        func([]turncred.ICEServer) (Peer, error) { return peer, nil },
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnFailure:      func(err error) { failures <- err },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = orch.EndCall() })
	return &fixture{orch: orch, peer: peer, signaler: signaler, media: media, failures: failures}
}

func candidateInit(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 1.2.3.4 %d typ host", i, 5000+i)}
}

func candidateMessage(i int) signaling.Message {
	data, _ := json.Marshal(candidateInit(i))
	return signaling.Message{Type: signaling.MessageTypeICECandidate, From: "bob", Data: data}
}

func answerMessage() signaling.Message {
	data, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote"})
	return signaling.Message{Type: signaling.MessageTypeAnswer, From: "bob", Data: data}
}

func offerMessage() signaling.Message {
	data, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"})
	return signaling.Message{Type: signaling.MessageTypeOffer, From: "bob", Data: data}
}

func TestStartCall_SendsOfferAndTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.orch.StartCall(ctx); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if got := f.orch.State(); got != StateConnecting {
		t.Fatalf("State: got %s, want connecting", got)
	}

	sent := f.signaler.sentMessages()
	if len(sent) != 1 || sent[0].msgType != signaling.MessageTypeOffer || sent[0].to != "bob" {
		t.Fatalf("sent: got %+v, want one offer to bob", sent)
	}

	// With no local tracks a control channel keeps the SDP negotiable.
	if f.peer.channelCount != 1 {
		t.Fatalf("control channels: got %d, want 1", f.peer.channelCount)
	}

	if err := f.orch.StartCall(ctx); err == nil {
		t.Fatalf("second StartCall must be invalid")
	}
}

func TestCandidateOrdering_BufferedUntilRemoteDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.StartCall(ctx); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := f.orch.HandleMessage(ctx, candidateMessage(i)); err != nil {
			t.Fatalf("candidate %d: %v", i, err)
		}
	}
	if got := f.peer.appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidates must buffer before remote description, got %v", got)
	}

	if err := f.orch.HandleMessage(ctx, answerMessage()); err != nil {
		t.Fatalf("answer: %v", err)
	}
	applied := f.peer.appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("applied: got %d, want 3", len(applied))
	}
	for i, init := range applied {
		if init.Candidate != candidateInit(i+1).Candidate {
			t.Fatalf("candidate %d out of order: got %q", i, init.Candidate)
		}
	}

	// A candidate arriving after the description applies immediately.
	if err := f.orch.HandleMessage(ctx, candidateMessage(4)); err != nil {
		t.Fatalf("candidate 4: %v", err)
	}
	applied = f.peer.appliedCandidates()
	if len(applied) != 4 || applied[3].Candidate != candidateInit(4).Candidate {
		t.Fatalf("late candidate not applied directly: %v", applied)
	}
}

func TestRemoteOffer_CreatesPeerSymmetrically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.orch.HandleMessage(ctx, offerMessage()); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := f.orch.State(); got != StateConnecting {
		t.Fatalf("State: got %s, want connecting", got)
	}
	if f.peer.remoteDesc == nil || f.peer.remoteDesc.SDP != "v=0 remote" {
		t.Fatalf("remote description not applied: %+v", f.peer.remoteDesc)
	}

	sent := f.signaler.sentMessages()
	if len(sent) != 1 || sent[0].msgType != signaling.MessageTypeAnswer || sent[0].to != "bob" {
		t.Fatalf("sent: got %+v, want one answer to bob", sent)
	}
}

func TestTransportConnected_StartsMonitorAndDetectsRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.peer.stats = webrtc.StatsReport{
		"pair-1": webrtc.ICECandidatePairStats{
			State:             webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:         true,
			LocalCandidateID:  "local-1",
			RemoteCandidateID: "remote-1",
		},
		"local-1":  webrtc.ICECandidateStats{ID: "local-1", CandidateType: webrtc.ICECandidateTypeRelay},
		"remote-1": webrtc.ICECandidateStats{ID: "remote-1", CandidateType: webrtc.ICECandidateTypeHost},
	}

	if err := f.orch.StartCall(ctx); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.peer.onState(webrtc.PeerConnectionStateConnected)

	if got := f.orch.State(); got != StateConnected {
		t.Fatalf("State: got %s, want connected", got)
	}
	if !f.orch.Relayed() {
		t.Fatalf("relay path must be detected on connect")
	}
	if got := f.media.MaxVideoBitrate(); got != DefaultRelayMaxBitrateBps {
		t.Fatalf("MaxVideoBitrate: got %d, want %d", got, DefaultRelayMaxBitrateBps)
	}
	if !f.media.ProfileReduced() {
		t.Fatalf("capture profile must be reduced on relayed path")
	}
}

func TestDirectPath_NoAdaptation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.StartCall(ctx); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.peer.onState(webrtc.PeerConnectionStateConnected)

	if f.orch.Relayed() {
		t.Fatalf("direct path must not be marked relayed")
	}
	if f.media.MaxVideoBitrate() != 0 || f.media.ProfileReduced() {
		t.Fatalf("direct path must not adapt media")
	}
}

func TestTransportFailure_SingleICERestartThenTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.StartCall(ctx); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := f.orch.HandleMessage(ctx, answerMessage()); err != nil {
		t.Fatalf("answer: %v", err)
	}
	f.peer.onState(webrtc.PeerConnectionStateConnected)

	f.peer.onState(webrtc.PeerConnectionStateFailed)
	if got := f.orch.State(); got != StateConnecting {
		t.Fatalf("State after first failure: got %s, want connecting (restart)", got)
	}
	f.peer.mu.Lock()
	restarts := f.peer.restartCount
	f.peer.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("restartCount: got %d, want 1", restarts)
	}

	sent := f.signaler.sentMessages()
	last := sent[len(sent)-1]
	if last.msgType != signaling.MessageTypeOffer {
		t.Fatalf("restart must resend an offer, last sent %+v", last)
	}

	f.peer.onState(webrtc.PeerConnectionStateFailed)
	if got := f.orch.State(); got != StateFailed {
		t.Fatalf("State after second failure: got %s, want failed", got)
	}
	select {
	case <-f.failures:
	case <-time.After(time.Second):
		t.Fatalf("second failure must surface via OnFailure")
	}

	f.peer.mu.Lock()
	restarts = f.peer.restartCount
	f.peer.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("no further restarts allowed, got %d", restarts)
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.StartCall(ctx); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if err := f.orch.HandleMessage(ctx, candidateMessage(i)); err != nil {
			t.Fatalf("candidate: %v", err)
		}
	}

	if err := f.orch.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := f.orch.EndCall(); err != nil {
		t.Fatalf("second EndCall: %v", err)
	}

	if got := f.orch.State(); got != StateClosed {
		t.Fatalf("State: got %s, want closed", got)
	}
	f.peer.mu.Lock()
	closes := f.peer.closeCount
	f.peer.mu.Unlock()
	if closes != 1 {
		t.Fatalf("peer Close count: got %d, want 1", closes)
	}
	if !f.media.Released() {
		t.Fatalf("media must be released")
	}
	f.signaler.mu.Lock()
	signalerCloses := f.signaler.closeCount
	f.signaler.mu.Unlock()
	if signalerCloses != 1 {
		t.Fatalf("signaler Close count: got %d, want 1", signalerCloses)
	}

	// Buffered candidates are gone; nothing applies after teardown.
	if err := f.orch.HandleMessage(ctx, answerMessage()); err != nil {
		t.Fatalf("answer after close: %v", err)
	}
	if got := f.peer.appliedCandidates(); len(got) != 0 {
		t.Fatalf("no candidates may apply after close, got %v", got)
	}
}

func TestStartCall_InvalidAfterClose(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := f.orch.StartCall(context.Background()); err == nil {
		t.Fatalf("StartCall after close must fail")
	}
}

func TestMalformedMessages_DroppedWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.StartCall(ctx); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	bad := []signaling.Message{
		{Type: signaling.MessageTypeOffer, Data: json.RawMessage(`{`)},
		{Type: signaling.MessageTypeAnswer, Data: json.RawMessage(`"nope"`)},
		{Type: signaling.MessageTypeICECandidate, Data: json.RawMessage(`12`)},
	}
	for _, msg := range bad {
		if err := f.orch.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("malformed message must be dropped, got %v", err)
		}
	}
	if got := f.orch.State(); got != StateConnecting {
		t.Fatalf("State: got %s, want connecting", got)
	}
}

func TestAnswerWithoutPeer_Dropped(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.HandleMessage(context.Background(), answerMessage()); err != nil {
		t.Fatalf("answer without peer must be dropped, got %v", err)
	}
	if got := f.orch.State(); got != StateNew {
		t.Fatalf("State: got %s, want new", got)
	}
}

func TestNew_Validation(t *testing.T) {
	base := Config{
		RemoteIdentity: "bob",
		SessionID:      "s1",
		Signaler:       &fakeSignaler{},
		Media:          NewStaticMedia(),
		Credentials:    fakeCreds{},
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no signaler", func(c *Config) { c.Signaler = nil }},
		{"no media", func(c *Config) { c.Media = nil }},
		{"no credentials", func(c *Config) { c.Credentials = nil }},
		{"no remote", func(c *Config) { c.RemoteIdentity = "" }},
		{"no session", func(c *Config) { c.SessionID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}
