package healthcheck

import (
	"fmt"
	"net"
	"time"
)

// Checker probes whether a translation destination is reachable.
type Checker interface {
	Check(address string) error
}

// TCPChecker implements probing via TCP connection attempts.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCPChecker with the given timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

// Check attempts to establish a TCP connection to the given address.
// Returns nil if the connection succeeds, or an error if it fails.
func (c *TCPChecker) Check(address string) error {
	conn, err := net.DialTimeout("tcp", address, c.timeout)
	if err != nil {
		return fmt.Errorf("tcp probe failed for %s: %w", address, err)
	}
	conn.Close()
	return nil
}

// NopChecker reports every address as reachable. It stands in where no
// meaningful probe exists, such as connectionless UDP destinations.
type NopChecker struct{}

// Check always returns nil.
func (NopChecker) Check(string) error {
	return nil
}

// NewChecker returns the probe suited to protocol.
func NewChecker(protocol string, timeout time.Duration) Checker {
	if protocol == "tcp" {
		return NewTCPChecker(timeout)
	}
	return NopChecker{}
}
