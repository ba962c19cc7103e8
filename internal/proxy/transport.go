package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Upstream AI APIs sit behind anycast hostnames, so a
// cached resolver saves a lookup per connection under load.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewUpstreamClient builds the shared HTTP client for proxy and tee traffic.
// Response deadlines come from per-attempt contexts, not Client.Timeout,
// because streaming responses outlive any sane fixed timeout.
func NewUpstreamClient(resolver *dnscache.Resolver) *http.Client {
	return &http.Client{Transport: NewTransport(resolver)}
}
