package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrPrivateAddress is returned when a webhook URL resolves to an address
// the dispatcher must never reach.
var ErrPrivateAddress = errors.New("webhook URL resolves to a private address")

// Resolver is the lookup seam; tests substitute a fixed table.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// GuardURL validates a webhook URL against the SSRF policy: http(s) scheme
// only, and every resolved address must be public. It runs at registration
// and again immediately before each POST, so a DNS record that later flips
// to a private address still gets caught.
func GuardURL(ctx context.Context, resolver Resolver, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported webhook scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbidden(ip) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
		}
		return nil
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("webhook host lookup: %w", err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("webhook host %q resolves to nothing", host)
	}
	for _, a := range addrs {
		if isForbidden(a.IP) {
			return fmt.Errorf("%w: %s -> %s", ErrPrivateAddress, host, a.IP)
		}
	}
	return nil
}

// isForbidden covers RFC 1918, loopback, link-local, unspecified, and IPv6
// ULA ranges.
func isForbidden(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// fc00::/7 — IPv6 unique local addresses.
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && v6[0]&0xfe == 0xfc {
		return true
	}
	return false
}
