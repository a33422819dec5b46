// Package target decides whether a submitted URL may be scanned at all.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/JakeFAU/pagerisk/internal/acquire"
)

// ErrBlocked is returned for denied hosts and internal address space.
var ErrBlocked = errors.New("target blocked by policy")

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy rejects denylisted hosts and, when enabled, loopback, private,
// link-local and multicast targets. Fetchers consult it again for redirects
// and at dial time, so a public host cannot bounce a scan inward.
type Policy struct {
	blockPrivate bool
	deny         *hostDenylist
	resolver     Resolver
}

// Config selects which targets are refused.
type Config struct {
	BlockPrivate bool
	// DenyHosts lists exact hosts or "*.example.com" wildcards.
	DenyHosts []string
}

// New creates a Policy. A nil resolver uses net.DefaultResolver.
func New(cfg Config, resolver Resolver) *Policy {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Policy{
		blockPrivate: cfg.BlockPrivate,
		deny:         newHostDenylist(cfg.DenyHosts),
		resolver:     resolver,
	}
}

// Enabled reports whether the policy can reject anything.
func (p *Policy) Enabled() bool {
	return p != nil && (p.blockPrivate || p.deny != nil)
}

// AllowScan returns nil when rawURL may be fetched.
func (p *Policy) AllowScan(ctx context.Context, rawURL string) error {
	if !p.Enabled() {
		return nil
	}
	normalized, err := acquire.NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	host := hostOf(normalized)
	if p.deny.denies(host) {
		return fmt.Errorf("%w: %s is on the deny list", ErrBlocked, host)
	}
	if !p.blockPrivate {
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlocked, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}
	addrs, err := p.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		// Left for acquisition to report.
		return nil
	}
	for _, addr := range addrs {
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}
	return nil
}

// CheckDial vets the resolved "ip:port" a connection is about to use. It
// closes the gap between the lookup in AllowScan and the actual dial.
func (p *Policy) CheckDial(address string) error {
	if p == nil || !p.blockPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %s", ErrBlocked, address)
	}
	return checkAddr(host, addr)
}

func checkAddr(host string, addr netip.Addr) error {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsMulticast() || addr.IsUnspecified() {
		return fmt.Errorf("%w: %s resolves to %s", ErrBlocked, host, addr)
	}
	return nil
}

func hostOf(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
