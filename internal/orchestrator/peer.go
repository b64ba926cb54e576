package orchestrator

import (
	"github.com/pion/webrtc/v4"

	"github.com/pairwave/call-relay/internal/turncred"
)

// Peer is the subset of *webrtc.PeerConnection the orchestrator drives.
// Narrowing the surface keeps the state machine testable without networking.
type Peer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
	GetStats() webrtc.StatsReport
	Close() error
}

// PeerFactory builds a peer connection seeded with the given ICE servers.
type PeerFactory func(servers []turncred.ICEServer) (Peer, error)

// NewPionFactory returns a PeerFactory backed by pion. api may be nil, in
// which case the default engine settings are used; tests pass an API with a
// virtual network attached.
func NewPionFactory(api *webrtc.API) PeerFactory {
	return func(servers []turncred.ICEServer) (Peer, error) {
		cfg := webrtc.Configuration{ICEServers: toPionICEServers(servers)}
		if api != nil {
			return api.NewPeerConnection(cfg)
		}
		return webrtc.NewPeerConnection(cfg)
	}
}

func toPionICEServers(servers []turncred.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
