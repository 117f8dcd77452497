package message

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Address identifies a reachable server node. Addresses compare by value.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid node address %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, errors.Errorf("invalid port in node address %q", s)
	}
	if host == "" {
		return Address{}, errors.Errorf("missing host in node address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

// ParseAddresses parses a discovery snapshot. Malformed entries are returned
// separately and left out of the result; duplicates are collapsed.
func ParseAddresses(list []string) ([]Address, []error) {
	seen := make(map[Address]struct{}, len(list))
	addrs := make([]Address, 0, len(list))
	var errs []error
	for _, s := range list {
		addr, err := ParseAddress(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	return addrs, errs
}

// String renders the address as "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
