package precall

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

type stunProbe struct {
	rtt        time.Duration
	mappedAddr string
}

type stunCheckFunc func(ctx context.Context, addr string, timeout time.Duration) (stunProbe, error)

// stunBindingCheck sends a single binding request over UDP and waits for the
// response within timeout.
func stunBindingCheck(ctx context.Context, addr string, timeout time.Duration) (stunProbe, error) {
	hostPort, err := stunHostPort(addr)
	if err != nil {
		return stunProbe{}, err
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "udp4", hostPort)
	if err != nil {
		return stunProbe{}, fmt.Errorf("dial %s: %w", hostPort, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return stunProbe{}, err
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	start := time.Now()
	if _, err := conn.Write(req.Raw); err != nil {
		return stunProbe{}, fmt.Errorf("send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return stunProbe{}, fmt.Errorf("read binding response: %w", err)
	}
	rtt := time.Since(start)

	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return stunProbe{}, fmt.Errorf("decode binding response: %w", err)
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return stunProbe{}, fmt.Errorf("missing xor-mapped-address: %w", err)
	}

	return stunProbe{rtt: rtt, mappedAddr: mapped.String()}, nil
}

// stunHostPort accepts "stun:host:port", "stun:host", or bare "host:port"
// and returns a dialable address.
func stunHostPort(addr string) (string, error) {
	hostPort := strings.TrimPrefix(addr, "stun:")
	if hostPort == "" {
		return "", fmt.Errorf("empty stun address")
	}
	if strings.HasPrefix(hostPort, "stuns:") || strings.Contains(hostPort, "/") {
		return "", fmt.Errorf("unsupported stun address %q", addr)
	}
	if !strings.Contains(hostPort, ":") {
		hostPort = net.JoinHostPort(hostPort, "3478")
	}
	return hostPort, nil
}
