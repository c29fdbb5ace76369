package nat

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Wildcard matches any address or any port.
const Wildcard = "*"

const (
	maxOctet = 255
	maxPort  = 65535
)

var (
	ErrFieldCount          = errors.New("unexpected number of fields")
	ErrAddress             = errors.New("invalid address")
	ErrPort                = errors.New("invalid port")
	ErrWildcardSource      = errors.New("source must not be fully wildcard")
	ErrWildcardDestination = errors.New("destination must not contain a wildcard")
	ErrWildcardQuery       = errors.New("query must not contain a wildcard")
)

// Endpoint is a validated (address, port) pair. Either field may hold Wildcard.
type Endpoint struct {
	Address string
	Port    string
}

// ParseEndpoint validates text of the form <address>:<port>.
func ParseEndpoint(text string) (Endpoint, error) {
	fields := Tokenize(text, EndpointSeparator)
	if len(fields) != 2 {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", text, ErrFieldCount)
	}

	address, port := fields[0], fields[1]
	if !isAddress(address) {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w %q", text, ErrAddress, address)
	}
	if !isPort(port) {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w %q", text, ErrPort, port)
	}

	return Endpoint{Address: address, Port: port}, nil
}

// Key returns the canonical text used as the table key.
func (e Endpoint) Key() string {
	return e.Address + EndpointSeparator + e.Port
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return e.Key()
}

func (e Endpoint) WildcardAddress() bool { return e.Address == Wildcard }

func (e Endpoint) WildcardPort() bool { return e.Port == Wildcard }

// FullyWildcard reports whether both fields are Wildcard.
func (e Endpoint) FullyWildcard() bool {
	return e.WildcardAddress() && e.WildcardPort()
}

// Concrete reports whether neither field is Wildcard.
func (e Endpoint) Concrete() bool {
	return !e.WildcardAddress() && !e.WildcardPort()
}

// IP returns the IPv4 address of a validated endpoint, or nil for a wildcard
// address. Octets with leading zeros are accepted, unlike net.ParseIP.
func (e Endpoint) IP() net.IP {
	if e.WildcardAddress() {
		return nil
	}
	octets := Tokenize(e.Address, OctetSeparator)
	if len(octets) != 4 {
		return nil
	}
	ip := make(net.IP, net.IPv4len)
	for i, octet := range octets {
		value, ok := decimal(octet, maxOctet)
		if !ok {
			return nil
		}
		ip[i] = byte(value)
	}
	return ip
}

// PortNumber returns the numeric port of a validated endpoint, or 0 for a
// wildcard port.
func (e Endpoint) PortNumber() uint16 {
	value, ok := decimal(e.Port, maxPort)
	if !ok {
		return 0
	}
	return uint16(value)
}

func isAddress(address string) bool {
	if address == Wildcard {
		return true
	}
	octets := Tokenize(address, OctetSeparator)
	if len(octets) != 4 {
		return false
	}
	for _, octet := range octets {
		if _, ok := decimal(octet, maxOctet); !ok {
			return false
		}
	}
	return true
}

func isPort(port string) bool {
	if port == Wildcard {
		return true
	}
	_, ok := decimal(port, maxPort)
	return ok
}

// decimal parses a non-empty run of ASCII digits no greater than limit.
// Signs and any other characters are rejected.
func decimal(s string, limit uint64) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil || value > limit {
		return 0, false
	}
	return value, true
}
