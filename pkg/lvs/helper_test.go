package lvs_test

import (
	"net"
	"syscall"
	"testing"

	"github.com/easzlab/eznat/pkg/lvs"
	"github.com/easzlab/eznat/pkg/lvs/lvstest"
	"github.com/easzlab/eznat/pkg/nat"
	"go.uber.org/zap"
)

// newTestManager creates a Manager backed by the in-memory IPVS handle.
func newTestManager(t *testing.T) *lvs.Manager {
	t.Helper()
	mgr := lvs.NewManagerWithHandle(lvstest.NewHandle(), zap.NewNop())
	t.Cleanup(mgr.Close)
	return mgr
}

func newTestService(address string, port uint16, scheduler string) *lvs.Service {
	return &lvs.Service{
		Address:       net.ParseIP(address).To4(),
		Protocol:      syscall.IPPROTO_TCP,
		Port:          port,
		SchedName:     scheduler,
		AddressFamily: syscall.AF_INET,
		Netmask:       0xFFFFFFFF,
	}
}

func newTestDestination(address string, port uint16, weight int) *lvs.Destination {
	return &lvs.Destination{
		Address:         net.ParseIP(address).To4(),
		Port:            port,
		Weight:          weight,
		ConnectionFlags: lvs.ConnectionFlagMasq,
		AddressFamily:   syscall.AF_INET,
	}
}

func mustParseRule(t *testing.T, text string) nat.Rule {
	t.Helper()
	rule, err := nat.ParseRule(text)
	if err != nil {
		t.Fatalf("ParseRule(%q) failed: %v", text, err)
	}
	return rule
}

func mustParseRules(t *testing.T, texts ...string) []nat.Rule {
	t.Helper()
	rules := make([]nat.Rule, 0, len(texts))
	for _, text := range texts {
		rules = append(rules, mustParseRule(t, text))
	}
	return rules
}
