package qrelay

import (
	"fmt"
	"net"
)

// Authenticator is one entry of the server's method negotiation list.
type Authenticator interface {
	// Method is the SOCKS5 method byte this handler accepts.
	Method() byte
	// Authorize returns nil if the client at remote may use this method.
	Authorize(remote net.Addr) error
}

// NoAuth accepts every client without credentials.
type NoAuth struct{}

func (NoAuth) Method() byte             { return MethodNoAuth }
func (NoAuth) Authorize(net.Addr) error { return nil }

// AllowList accepts clients whose address falls in one of its networks.
type AllowList struct {
	nets []*net.IPNet
}

// NewAllowList parses CIDRs or bare IPs.
func NewAllowList(entries ...string) (*AllowList, error) {
	a := &AllowList{}
	for _, e := range entries {
		if ip := net.ParseIP(e); ip != nil {
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 8 * net.IPv4len
			}
			a.nets = append(a.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allow list entry %q: %w", e, err)
		}
		a.nets = append(a.nets, n)
	}
	return a, nil
}

func (a *AllowList) Method() byte { return MethodNoAuth }

func (a *AllowList) Authorize(remote net.Addr) error {
	ip := addrIP(remote)
	if ip == nil {
		return fmt.Errorf("%w: unknown client address", ErrAuth)
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed", ErrAuth, ip)
}

// addrIP extracts the IP from a socket address.
func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(stripMapped(host))
}
