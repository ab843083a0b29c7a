// Package proxy forwards verified requests to the protected origin.
package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Upstream is a reverse proxy that forwards requests to the origin sitting
// behind the gateway. It strips the protocol's own headers before
// forwarding, since the origin has no use for them and they must not leak
// past the point where they were verified.
type Upstream struct {
	proxy *httputil.ReverseProxy
}

// New creates a reverse proxy targeting upstreamURL.
func New(upstreamURL string) (*Upstream, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}

	rp := httputil.NewSingleHostReverseProxy(target)

	base := rp.Director
	rp.Director = func(req *http.Request) {
		base(req)
		req.Header.Del("X-Forwarded-For")
		req.Header.Del("X-Forwarded-Host")
		req.Header.Del("X-Forwarded-Proto")
		req.Header.Del("X-Real-Ip")
		req.Header.Del("Forwarded")
		req.Header.Del("Via")
		// The receipt and signed-request proof were already verified by the
		// decision engine; the origin must not see them or re-derive trust
		// from them.
		req.Header.Del("Peac-Receipt")
		req.Header.Del("Peac-Receipt-Pointer")
		req.Header.Del("Signature-Input")
		req.Header.Del("Signature")
		req.Host = target.Host
	}

	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		slog.Error("upstream error", "err", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	return &Upstream{proxy: rp}, nil
}

// ServeHTTP forwards the request to the upstream origin.
func (u *Upstream) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	u.proxy.ServeHTTP(w, req)
}
