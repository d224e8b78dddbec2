package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker verifies that a socket accepts connections. Network is "tcp"
// for addressable services and "unix" for local daemons like containerd.
type TCPChecker struct {
	name    string
	network string
	address string
}

// NewTCPChecker creates a socket-level checker.
func NewTCPChecker(name, network, address string) *TCPChecker {
	return &TCPChecker{name: name, network: network, address: address}
}

func (c *TCPChecker) Name() string { return c.name }

func (c *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := net.Dialer{Timeout: CheckTimeout}

	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("failed to connect to %s: %v", c.address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	_ = conn.Close()
	return Result{Healthy: true, CheckedAt: start, Duration: time.Since(start)}
}
