package ftp

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// IPVersion selects which address family the resolver is allowed to hand
// back for the control connection and, by extension, for data connections
// that don't carry an explicit host (EPSV always reuses the control host).
type IPVersion int

const (
	// IPAny accepts either IPv4 or IPv6, in whatever order the resolver
	// returns them.
	IPAny IPVersion = iota
	// IPv4Only rejects any address that isn't a 4-byte address.
	IPv4Only
	// IPv6Only rejects any address that isn't a 16-byte, non-4-in-6 address.
	IPv6Only
)

// NoEndpointError is returned by resolve when the preferred address family
// has no matching record for the host.
type NoEndpointError struct {
	Host string
	Pref IPVersion
}

func (e *NoEndpointError) Error() string {
	var pref string
	switch e.Pref {
	case IPv4Only:
		pref = "IPv4"
	case IPv6Only:
		pref = "IPv6"
	default:
		pref = "any"
	}
	return "ftp: no " + pref + " endpoint found for " + e.Host
}

// resolve looks up host and returns the first address matching pref. An
// already-literal IP address is accepted without a DNS round-trip provided
// it matches pref.
func resolve(ctx context.Context, resolver *net.Resolver, host string, pref IPVersion) (net.IP, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	if ip := net.ParseIP(host); ip != nil {
		if matchesPreference(ip, pref) {
			return ip, nil
		}
		return nil, &NoEndpointError{Host: host, Pref: pref}
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}

	for _, addr := range addrs {
		if matchesPreference(addr.IP, pref) {
			return addr.IP, nil
		}
	}

	return nil, &NoEndpointError{Host: host, Pref: pref}
}

func matchesPreference(ip net.IP, pref IPVersion) bool {
	isV4 := ip.To4() != nil
	switch pref {
	case IPv4Only:
		return isV4
	case IPv6Only:
		return !isV4
	default:
		return true
	}
}
