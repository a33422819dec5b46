package target

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestAllowScan(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{
		"public.example":   {netip.MustParseAddr("93.184.216.34")},
		"internal.example": {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.1.2.3")},
		"group.example":    {netip.MustParseAddr("239.255.255.250")},
	}
	p := New(Config{BlockPrivate: true}, resolver)

	tests := []struct {
		url     string
		blocked bool
	}{
		{url: "https://public.example/login", blocked: false},
		{url: "https://internal.example/", blocked: true},
		{url: "http://127.0.0.1:8080/", blocked: true},
		{url: "http://[::1]/", blocked: true},
		{url: "http://[::ffff:192.168.1.1]/", blocked: true},
		{url: "169.254.169.254/latest/meta-data", blocked: true},
		{url: "http://localhost/", blocked: true},
		{url: "http://app.localhost/", blocked: true},
		{url: "http://239.1.1.1/", blocked: true},
		{url: "http://224.0.0.1/", blocked: true},
		{url: "http://[ff05::1]/", blocked: true},
		{url: "http://8.8.8.8/", blocked: false},
		{url: "https://unresolvable.example/", blocked: false},
		{url: "https://group.example/", blocked: true},
	}
	for _, tt := range tests {
		err := p.AllowScan(context.Background(), tt.url)
		if tt.blocked {
			assert.ErrorIs(t, err, ErrBlocked, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}

func TestAllowScanDisabled(t *testing.T) {
	t.Parallel()

	require.NoError(t, New(Config{}, fakeResolver{}).AllowScan(context.Background(), "http://127.0.0.1/"))
	require.False(t, New(Config{}, fakeResolver{}).Enabled())
	var p *Policy
	require.NoError(t, p.AllowScan(context.Background(), "http://127.0.0.1/"))
	require.NoError(t, p.CheckDial("127.0.0.1:80"))
	require.False(t, p.Enabled())
}

func TestCheckDial(t *testing.T) {
	t.Parallel()

	p := New(Config{BlockPrivate: true}, fakeResolver{})
	require.True(t, p.Enabled())

	tests := []struct {
		address string
		blocked bool
	}{
		{address: "93.184.216.34:443", blocked: false},
		{address: "[2606:2800:220:1::]:80", blocked: false},
		{address: "127.0.0.1:8080", blocked: true},
		{address: "169.254.169.254:80", blocked: true},
		{address: "10.0.0.7:443", blocked: true},
		{address: "[::1]:80", blocked: true},
		{address: "[fe80::1%eth0]:80", blocked: true},
		{address: "239.1.1.1:5353", blocked: true},
		{address: "0.0.0.0:80", blocked: true},
		{address: "not-an-ip:80", blocked: true},
	}
	for _, tt := range tests {
		err := p.CheckDial(tt.address)
		if tt.blocked {
			assert.ErrorIs(t, err, ErrBlocked, tt.address)
		} else {
			assert.NoError(t, err, tt.address)
		}
	}

	denyOnly := New(Config{DenyHosts: []string{"bad.example"}}, fakeResolver{})
	require.True(t, denyOnly.Enabled())
	require.NoError(t, denyOnly.CheckDial("127.0.0.1:80"))
}

func TestAllowScanInvalidURL(t *testing.T) {
	t.Parallel()

	require.Error(t, New(Config{BlockPrivate: true}, fakeResolver{}).AllowScan(context.Background(), "  "))
}

func TestPolicyDenyHosts(t *testing.T) {
	t.Parallel()

	p := New(Config{DenyHosts: []string{"Bad.example", "*.tracker.test", " ", ".ads.test"}}, fakeResolver{})
	ctx := context.Background()

	require.ErrorIs(t, p.AllowScan(ctx, "https://bad.example/login"), ErrBlocked)
	require.ErrorIs(t, p.AllowScan(ctx, "tracker.test"), ErrBlocked)
	require.ErrorIs(t, p.AllowScan(ctx, "http://a.b.tracker.test/"), ErrBlocked)
	require.ErrorIs(t, p.AllowScan(ctx, "http://cdn.ads.test."), ErrBlocked)
	require.NoError(t, p.AllowScan(ctx, "https://good.example"))
	require.NoError(t, p.AllowScan(ctx, "https://nottracker.test"))
	require.NoError(t, p.AllowScan(ctx, "http://127.0.0.1/"))
}

func TestHostDenylistEmpty(t *testing.T) {
	t.Parallel()

	require.Nil(t, newHostDenylist([]string{"", "*.", "  "}))
	var d *hostDenylist
	require.False(t, d.denies("example.com"))
}
