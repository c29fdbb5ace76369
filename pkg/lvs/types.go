package lvs

import (
	"fmt"
	"syscall"

	"github.com/easzlab/eznat/pkg/nat"
)

// ServiceKey uniquely identifies an IPVS virtual service.
type ServiceKey struct {
	Address  string
	Port     uint16
	Protocol uint16
}

// String returns a human-readable representation of the ServiceKey.
func (k ServiceKey) String() string {
	return fmt.Sprintf("%s:%d/%s", k.Address, k.Port, protocolToString(k.Protocol))
}

// DestinationKey uniquely identifies an IPVS destination within a service.
type DestinationKey struct {
	Address string
	Port    uint16
}

// String returns a human-readable representation of the DestinationKey.
func (k DestinationKey) String() string {
	return fmt.Sprintf("%s:%d", k.Address, k.Port)
}

// protocolToString converts a protocol number to its string name.
func protocolToString(protocol uint16) string {
	switch protocol {
	case syscall.IPPROTO_TCP:
		return "tcp"
	case syscall.IPPROTO_UDP:
		return "udp"
	default:
		return fmt.Sprintf("unknown(%d)", protocol)
	}
}

// protocolFromString converts a protocol string to its syscall constant.
func protocolFromString(protocol string) (uint16, error) {
	switch protocol {
	case "tcp":
		return syscall.IPPROTO_TCP, nil
	case "udp":
		return syscall.IPPROTO_UDP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

// Exportable reports whether rule can be expressed as an IPVS virtual service.
// IPVS matches a fixed address and port, so only concrete sources qualify.
func Exportable(rule nat.Rule) bool {
	return rule.Source.Concrete() && rule.Destination.Concrete()
}

// ServiceForRule converts the source of a concrete rule into an IPVS service.
func ServiceForRule(rule nat.Rule, protocol, scheduler string) (*Service, error) {
	if !Exportable(rule) {
		return nil, fmt.Errorf("rule %s has a wildcard source", rule)
	}

	proto, err := protocolFromString(protocol)
	if err != nil {
		return nil, err
	}

	return &Service{
		Address:       rule.Source.IP(),
		Protocol:      proto,
		Port:          rule.Source.PortNumber(),
		SchedName:     scheduler,
		AddressFamily: syscall.AF_INET,
		Netmask:       0xFFFFFFFF,
	}, nil
}

// DestinationForRule converts the destination of a rule into a masqueraded
// IPVS real server.
func DestinationForRule(rule nat.Rule) *Destination {
	return &Destination{
		Address:         rule.Destination.IP(),
		Port:            rule.Destination.PortNumber(),
		Weight:          1,
		ConnectionFlags: ConnectionFlagMasq,
		AddressFamily:   syscall.AF_INET,
	}
}

// ServiceKeyFromIPVS generates a ServiceKey from a Service.
func ServiceKeyFromIPVS(svc *Service) ServiceKey {
	return ServiceKey{
		Address:  svc.Address.String(),
		Port:     svc.Port,
		Protocol: svc.Protocol,
	}
}

// DestinationKeyFromIPVS generates a DestinationKey from a Destination.
func DestinationKeyFromIPVS(dst *Destination) DestinationKey {
	return DestinationKey{
		Address: dst.Address.String(),
		Port:    dst.Port,
	}
}
