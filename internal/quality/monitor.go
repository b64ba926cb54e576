// Package quality samples WebRTC transport statistics at a fixed interval
// and derives a coarse rating callers can surface to users.
package quality

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

type Rating string

const (
	RatingExcellent Rating = "excellent"
	RatingGood      Rating = "good"
	RatingFair      Rating = "fair"
	RatingPoor      Rating = "poor"
)

// Sample is one quality measurement tick.
type Sample struct {
	At            time.Time
	BitrateKbps   float64
	PacketLossPct float64
	RTT           time.Duration
	Jitter        time.Duration
	Relayed       bool
	Rating        Rating
}

// StatsSource is the transport being observed. *webrtc.PeerConnection
// satisfies it.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

const DefaultInterval = 5 * time.Second

type MonitorConfig struct {
	Source   StatsSource
	Interval time.Duration
	OnSample func(Sample)
	Logger   *slog.Logger

	// Now exists for deterministic tests.
	Now func() time.Time
}

// Monitor polls Source every Interval and invokes OnSample with the computed
// sample. The first tick after Start only primes the byte counters and emits
// nothing: bitrate is a delta and has no meaning without a previous
// observation.
type Monitor struct {
	source   StatsSource
	interval time.Duration
	onSample func(Sample)
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	prevBytes uint64
	prevAt    time.Time
	primed    bool
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnSample == nil {
		cfg.OnSample = func(Sample) {}
	}
	return &Monitor{
		source:   cfg.Source,
		interval: cfg.Interval,
		onSample: cfg.OnSample,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Start begins periodic sampling. A second Start replaces the previous run.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.primed = false
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sample, ok := m.Poll(); ok {
					m.onSample(sample)
				}
			}
		}
	}()
}

// Stop halts sampling. Safe to call multiple times or before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.primed = false
}

// Poll computes one sample immediately. ok is false on the priming tick.
func (m *Monitor) Poll() (Sample, bool) {
	report := m.source.GetStats()
	now := m.now()

	var (
		bytes     uint64
		received  int64
		lost      int64
		jitterSec float64
	)
	for _, s := range report {
		if inbound, ok := s.(webrtc.InboundRTPStreamStats); ok {
			bytes += inbound.BytesReceived
			received += int64(inbound.PacketsReceived)
			lost += int64(inbound.PacketsLost)
			if inbound.Jitter > jitterSec {
				jitterSec = inbound.Jitter
			}
		}
	}
	rttSec, relayed := activePathStats(report)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		m.prevBytes = bytes
		m.prevAt = now
		m.primed = true
		return Sample{}, false
	}

	elapsed := now.Sub(m.prevAt).Seconds()
	var bitrateKbps float64
	if elapsed > 0 && bytes >= m.prevBytes {
		bitrateKbps = float64(8*(bytes-m.prevBytes)) / elapsed / 1000
	}
	m.prevBytes = bytes
	m.prevAt = now

	var lossPct float64
	if received+lost > 0 {
		lossPct = float64(lost) / float64(received+lost) * 100
	}

	rtt := time.Duration(rttSec * float64(time.Second))
	sample := Sample{
		At:            now,
		BitrateKbps:   bitrateKbps,
		PacketLossPct: lossPct,
		RTT:           rtt,
		Jitter:        time.Duration(jitterSec * float64(time.Second)),
		Relayed:       relayed,
		Rating:        Rate(lossPct, rtt),
	}
	return sample, true
}

// Rate maps loss and round-trip time onto a coarse rating.
func Rate(lossPct float64, rtt time.Duration) Rating {
	switch {
	case lossPct < 1 && rtt < 150*time.Millisecond:
		return RatingExcellent
	case lossPct < 3 && rtt < 300*time.Millisecond:
		return RatingGood
	case lossPct < 8 && rtt < 500*time.Millisecond:
		return RatingFair
	default:
		return RatingPoor
	}
}

// Relayed reports whether the transport's active candidate pair runs through
// a TURN relay on either end.
func Relayed(report webrtc.StatsReport) bool {
	_, relayed := activePathStats(report)
	return relayed
}

func activePathStats(report webrtc.StatsReport) (rttSec float64, relayed bool) {
	var localID, remoteID string
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		rttSec = pair.CurrentRoundTripTime
		localID = pair.LocalCandidateID
		remoteID = pair.RemoteCandidateID
		if pair.Nominated {
			break
		}
	}
	relayed = candidateIsRelay(report, localID) || candidateIsRelay(report, remoteID)
	return rttSec, relayed
}

func candidateIsRelay(report webrtc.StatsReport, id string) bool {
	if id == "" {
		return false
	}
	candidate, ok := report[id].(webrtc.ICECandidateStats)
	if !ok {
		return false
	}
	return candidate.CandidateType == webrtc.ICECandidateTypeRelay
}
