package orchestrator

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Media owns the local capture tracks attached to a call and the adaptation
// knobs applied when the path degrades to a TURN relay.
type Media interface {
	// Tracks acquires (or returns already-acquired) local tracks.
	Tracks(ctx context.Context) ([]webrtc.TrackLocal, error)
	// SetMaxVideoBitrate clamps the outgoing video encoder target.
	SetMaxVideoBitrate(bps int) error
	// ReduceCaptureProfile switches capture to a lower resolution/frame
	// rate profile.
	ReduceCaptureProfile() error
	// Release stops all tracks and frees the capture devices. Must be
	// idempotent.
	Release() error
}

// StaticMedia is a Media implementation over pre-built tracks. The relay
// adaptation knobs are recorded rather than applied to hardware, which is
// what server-side and test callers need.
type StaticMedia struct {
	mu            sync.Mutex
	tracks        []webrtc.TrackLocal
	maxBitrateBps int
	reduced       bool
	released      bool
}

func NewStaticMedia(tracks ...webrtc.TrackLocal) *StaticMedia {
	return &StaticMedia{tracks: tracks}
}

func (m *StaticMedia) Tracks(context.Context) ([]webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil, nil
	}
	return append([]webrtc.TrackLocal(nil), m.tracks...), nil
}

func (m *StaticMedia) SetMaxVideoBitrate(bps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxBitrateBps = bps
	return nil
}

func (m *StaticMedia) ReduceCaptureProfile() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reduced = true
	return nil
}

func (m *StaticMedia) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = nil
	m.released = true
	return nil
}

// MaxVideoBitrate returns the last clamp applied (0 when unclamped).
func (m *StaticMedia) MaxVideoBitrate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBitrateBps
}

// ProfileReduced reports whether ReduceCaptureProfile was called.
func (m *StaticMedia) ProfileReduced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reduced
}

// Released reports whether Release was called.
func (m *StaticMedia) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
