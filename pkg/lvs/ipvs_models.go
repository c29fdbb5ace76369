package lvs

import "net"

// Service is the subset of an IPVS virtual service that eznat programs.
type Service struct {
	Address       net.IP
	Protocol      uint16
	Port          uint16
	SchedName     string
	Flags         uint32
	Netmask       uint32
	AddressFamily uint16
}

// Destination is the subset of an IPVS real server that eznat programs.
type Destination struct {
	Address         net.IP
	Port            uint16
	Weight          int
	ConnectionFlags uint32
	AddressFamily   uint16
}

// ConnectionFlagMasq selects NAT (masquerading) forwarding.
const ConnectionFlagMasq = 0x0000

// cloneIP returns an independent copy of ip.
func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	clone := make(net.IP, len(ip))
	copy(clone, ip)
	return clone
}
