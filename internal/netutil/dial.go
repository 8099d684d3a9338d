// Package netutil holds outbound-connection plumbing shared by every
// component that dials an external host: the Plan Generator (LLM
// endpoint) and the Session Client (per-host coder agents). Grounded
// on the teacher's github.com/rs/dnscache usage across its HTTP
// clients.
package netutil

import (
	"context"
	"net"

	"github.com/rs/dnscache"
)

// sharedResolver is a process-wide DNS cache. Every outbound
// http.Transport built via DialContext resolves through it, avoiding a
// fresh lookup per request to hosts whose IP rarely changes within a
// run.
var sharedResolver = &dnscache.Resolver{}

// DialContext returns a dialer suitable for http.Transport.DialContext
// that resolves addr's host through sharedResolver before falling back
// to the dialer's own resolution.
func DialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := sharedResolver.LookupHost(ctx, host)
		if err != nil || len(ips) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}
		var lastErr error
		for _, ip := range ips {
			conn, derr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if derr == nil {
				return conn, nil
			}
			lastErr = derr
		}
		return nil, lastErr
	}
}

// RefreshDNSCache refreshes sharedResolver's entries once and evicts
// ones no longer in use, per rs/dnscache's usage pattern of calling it
// periodically. No caller in this module runs it, so cached entries are
// otherwise never refreshed.
func RefreshDNSCache(ctx context.Context) {
	sharedResolver.Refresh(true)
	go func() {
		<-ctx.Done()
	}()
}
