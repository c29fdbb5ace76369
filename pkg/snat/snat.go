package snat

import (
	"fmt"

	"github.com/easzlab/eznat/pkg/nat"
)

// SNATRule describes a single SNAT/MASQUERADE rule for a translated destination.
type SNATRule struct {
	DestinationIP   string // translated destination IP
	DestinationPort uint16 // translated destination port
	Protocol        string // "tcp" or "udp"
	SnatIP          string // SNAT source IP; empty means use MASQUERADE
}

// Key returns a unique string identifier for this rule.
func (r SNATRule) Key() string {
	return fmt.Sprintf("%s:%d/%s", r.DestinationIP, r.DestinationPort, r.Protocol)
}

// RuleFor builds the SNAT rule covering the destination of a translation rule.
func RuleFor(rule nat.Rule, protocol, snatIP string) SNATRule {
	return SNATRule{
		DestinationIP:   rule.Destination.IP().String(),
		DestinationPort: rule.Destination.PortNumber(),
		Protocol:        protocol,
		SnatIP:          snatIP,
	}
}

// Manager defines the interface for managing iptables SNAT rules.
// Implementations must be safe for concurrent use.
type Manager interface {
	// Reconcile ensures the actual iptables SNAT rules match the desired state.
	// Rules not in the desired set are removed; missing rules are added.
	Reconcile(desired []SNATRule) error

	// Cleanup removes all SNAT rules and the custom chain managed by this Manager.
	Cleanup() error
}
