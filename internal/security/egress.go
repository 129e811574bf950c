package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"
)

// Carrier-grade NAT, unroutable from the public internet but not covered by
// the netip classification helpers.
var cgnatRange = netip.MustParsePrefix("100.64.0.0/10")

// EgressGuard rejects outbound URLs that resolve to loopback, private,
// link-local (including the cloud metadata service), or otherwise
// non-routable addresses. Validation happens before any connection attempt,
// and the guard's dialer re-checks the address it is about to connect to so a
// DNS answer cannot change between the two.
type EgressGuard struct {
	resolver     *net.Resolver
	allowPrivate bool
}

// NewEgressGuard builds a guard. allowPrivate disables all checks and exists
// for local development only.
func NewEgressGuard(allowPrivate bool) *EgressGuard {
	return &EgressGuard{resolver: net.DefaultResolver, allowPrivate: allowPrivate}
}

func (g *EgressGuard) ValidateURL(ctx context.Context, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if g.allowPrivate {
		return nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if forbidden(ip) {
			return fmt.Errorf("address %s is not publicly routable", ip)
		}
		return nil
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, ip := range addrs {
		if forbidden(ip) {
			return fmt.Errorf("%s resolves to non-routable %s", host, ip)
		}
	}
	return nil
}

// Client returns an http.Client whose dialer re-applies the address check at
// connect time.
func (g *EgressGuard) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: g.control,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			ForceAttemptHTTP2: true,
		},
	}
}

func (g *EgressGuard) control(network, address string, _ syscall.RawConn) error {
	if g.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if forbidden(ip) {
		return fmt.Errorf("refusing to dial non-routable %s", ip)
	}
	return nil
}

func forbidden(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	return cgnatRange.Contains(ip)
}
