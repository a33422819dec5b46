package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/JakeFAU/pagerisk/internal/metrics"
)

// maxRedirects matches net/http's default redirect budget.
const maxRedirects = 10

// Guard vets the targets a fetch touches after the initial URL was accepted.
type Guard interface {
	AllowScan(ctx context.Context, rawURL string) error
	// CheckDial receives the resolved "ip:port" of every outbound connection.
	CheckDial(address string) error
}

func newHTTPTransport(guard Guard) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if guard != nil {
		dialer.ControlContext = dialControl(guard)
		// A proxy would make the dialed address the proxy's, not the target's.
		transport.Proxy = nil
	}
	return transport
}

func dialControl(guard Guard) func(context.Context, string, string, syscall.RawConn) error {
	return func(_ context.Context, _, address string, _ syscall.RawConn) error {
		if err := guard.CheckDial(address); err != nil {
			metrics.ObserveBlockedRequest(metrics.StrategySimple)
			return fmt.Errorf("dial %s: %w", address, err)
		}
		return nil
	}
}

// checkRedirect replaces colly's redirect handler when a guard is set, so it
// also carries the redirect budget and the Authorization stripping.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return http.ErrUseLastResponse
	}
	if err := f.cfg.Guard.AllowScan(req.Context(), req.URL.String()); err != nil {
		metrics.ObserveBlockedRequest(metrics.StrategySimple)
		return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), err)
	}
	if last := via[len(via)-1]; req.URL.Host != last.URL.Host {
		req.Header.Del("Authorization")
	}
	return nil
}
