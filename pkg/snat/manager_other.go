//go:build !linux

package snat

import "go.uber.org/zap"

// NewManager returns the in-memory manager; iptables only exists on Linux.
func NewManager(logger *zap.Logger) (Manager, error) {
	return NewFakeManager(logger), nil
}
