// Package precall validates the local environment before a call is placed:
// device acquisition, microphone signal, STUN reachability, and network
// quality. Validation failures are reported as structured results, never as
// errors, so callers can surface the reason and remedy to the user.
package precall

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultSTUNTimeout bounds the reachability probe.
	DefaultSTUNTimeout = 5 * time.Second

	audioSampleInterval = 100 * time.Millisecond
	audioSampleWindow   = 2 * time.Second

	// minAudioPeak is the minimum linear peak level treated as a live
	// microphone signal.
	minAudioPeak = 0.01
)

// Thresholds are the network-quality limits beyond which a call is not
// worth attempting.
type Thresholds struct {
	MaxRTT           time.Duration
	MaxPacketLossPct float64
	MaxJitter        time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxRTT:           500 * time.Millisecond,
		MaxPacketLossPct: 15,
		MaxJitter:        50 * time.Millisecond,
	}
}

// Metrics are the measurements gathered during validation. Fields are zero
// when the corresponding check was skipped or never reached.
type Metrics struct {
	AudioPeak     float64
	RTT           time.Duration
	PacketLossPct float64
	Jitter        time.Duration
	MappedAddress string
}

// Result is the outcome of one validation run.
type Result struct {
	CanProceed    bool
	FailureReason string
	Remedy        string
	Metrics       Metrics
}

// Capture is an acquired audio/video capture session.
type Capture interface {
	// AudioLevels samples the microphone's linear peak level count times,
	// interval apart.
	AudioLevels(ctx context.Context, interval time.Duration, count int) ([]float64, error)
	// Release frees the devices. Must be idempotent.
	Release() error
}

// Devices acquires local capture hardware.
type Devices interface {
	Acquire(ctx context.Context) (Capture, error)
}

// NetworkStats is the output of the network-quality probe.
type NetworkStats struct {
	RTT           time.Duration
	PacketLossPct float64
	Jitter        time.Duration
}

// Prober measures the network path. The default implementation reuses the
// STUN round trip; a richer probe can be injected.
type Prober interface {
	Probe(ctx context.Context) (NetworkStats, error)
}

type Config struct {
	Devices Devices

	// STUNAddr is a STUN URL ("stun:host:port") or bare host:port.
	STUNAddr    string
	STUNTimeout time.Duration

	Thresholds Thresholds
	Prober     Prober
	Logger     *slog.Logger

	// checkSTUN is swapped out by tests.
	checkSTUN stunCheckFunc
}

// Validator runs the pre-call checks in order, stopping at the first
// failure.
type Validator struct {
	devices    Devices
	stunAddr   string
	timeout    time.Duration
	thresholds Thresholds
	prober     Prober
	logger     *slog.Logger
	checkSTUN  stunCheckFunc
}

func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Devices == nil {
		return nil, fmt.Errorf("Devices is required")
	}
	if cfg.STUNAddr == "" {
		return nil, fmt.Errorf("STUNAddr is required")
	}
	if cfg.STUNTimeout <= 0 {
		cfg.STUNTimeout = DefaultSTUNTimeout
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.checkSTUN == nil {
		cfg.checkSTUN = stunBindingCheck
	}
	return &Validator{
		devices:    cfg.Devices,
		stunAddr:   cfg.STUNAddr,
		timeout:    cfg.STUNTimeout,
		thresholds: cfg.Thresholds,
		prober:     cfg.Prober,
		logger:     cfg.Logger,
		checkSTUN:  cfg.checkSTUN,
	}, nil
}

// Run executes the pipeline: device acquisition, audio level, STUN
// reachability, network quality. The capture session is released before Run
// returns, on every path.
func (v *Validator) Run(ctx context.Context) Result {
	var metrics Metrics

	capture, err := v.devices.Acquire(ctx)
	if err != nil {
		v.logger.Warn("device acquisition failed", "error", err)
		return Result{
			FailureReason: "Could not access camera or microphone",
			Remedy:        "Close other applications using the devices and check system permissions",
			Metrics:       metrics,
		}
	}
	defer func() {
		if err := capture.Release(); err != nil {
			v.logger.Warn("capture release failed", "error", err)
		}
	}()

	samples := int(audioSampleWindow / audioSampleInterval)
	levels, err := capture.AudioLevels(ctx, audioSampleInterval, samples)
	if err != nil {
		v.logger.Warn("audio sampling failed", "error", err)
		return Result{
			FailureReason: "Could not read from the microphone",
			Remedy:        "Select a different microphone and try again",
			Metrics:       metrics,
		}
	}
	metrics.AudioPeak = peak(levels)
	if metrics.AudioPeak < minAudioPeak {
		return Result{
			FailureReason: "No audio detected from the selected microphone",
			Remedy:        "Check that the microphone is not muted and its input level is raised",
			Metrics:       metrics,
		}
	}

	probe, err := v.checkSTUN(ctx, v.stunAddr, v.timeout)
	if err != nil {
		v.logger.Warn("stun probe failed", "addr", v.stunAddr, "error", err)
		return Result{
			FailureReason: "Could not reach the STUN server",
			Remedy:        "Check your network connection and firewall settings",
			Metrics:       metrics,
		}
	}
	metrics.RTT = probe.rtt
	metrics.MappedAddress = probe.mappedAddr

	stats := NetworkStats{RTT: probe.rtt}
	if v.prober != nil {
		probed, err := v.prober.Probe(ctx)
		if err != nil {
			v.logger.Warn("network probe failed, falling back to stun rtt", "error", err)
		} else {
			stats = probed
		}
	}
	metrics.RTT = stats.RTT
	metrics.PacketLossPct = stats.PacketLossPct
	metrics.Jitter = stats.Jitter

	if reason, remedy, ok := v.checkThresholds(stats); !ok {
		return Result{FailureReason: reason, Remedy: remedy, Metrics: metrics}
	}
	return Result{CanProceed: true, Metrics: metrics}
}

func (v *Validator) checkThresholds(stats NetworkStats) (reason, remedy string, ok bool) {
	switch {
	case stats.RTT > v.thresholds.MaxRTT:
		return fmt.Sprintf("Network latency is too high (%d ms)", stats.RTT.Milliseconds()),
			"Move closer to your router or switch to a wired connection", false
	case stats.PacketLossPct > v.thresholds.MaxPacketLossPct:
		return fmt.Sprintf("Packet loss is too high (%.1f%%)", stats.PacketLossPct),
			"Check for other devices saturating the connection", false
	case stats.Jitter > v.thresholds.MaxJitter:
		return fmt.Sprintf("Network jitter is too high (%d ms)", stats.Jitter.Milliseconds()),
			"Avoid Wi-Fi interference or switch to a wired connection", false
	}
	return "", "", true
}

func peak(levels []float64) float64 {
	var max float64
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}
