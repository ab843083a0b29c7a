// Package fetch implements the gateway's SSRF-safe HTTPS-only fetch, used by
// the pointer-receipt profile and the JWKS resolver. Every outbound lookup
// this package makes is HTTPS-only, resolves and validates the destination
// address before connecting, disables redirects by default, and enforces a
// single end-to-end deadline and a response byte cap.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Code is the taxonomy of fetch-level failures.
type Code string

const (
	CodeNotHTTPS           Code = "not_https"
	CodePrivateIP          Code = "private_ip"
	CodeLoopback           Code = "loopback"
	CodeLinkLocal          Code = "link_local"
	CodeMulticast          Code = "multicast"
	CodeDNSFailure         Code = "dns_failure"
	CodeCrossOriginRedirect Code = "cross_origin_redirect"
	CodeTimeout            Code = "timeout"
	CodeResponseTooLarge   Code = "response_too_large"
	CodeFetchFailed        Code = "fetch_failed"
)

// Error is the typed error returned by Fetch.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("fetch: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a single Fetch call.
type Options struct {
	MaxBytes       int64
	Timeout        time.Duration
	AllowRedirects bool
	ExtraHeaders   map[string]string
}

// Result is a successful fetch outcome.
type Result struct {
	Body        []byte
	ContentType string
}

var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10", // carrier-grade NAT
	"fc00::/7",      // unique local
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("fetch: invalid built-in CIDR " + c)
		}
		out = append(out, n)
	}
	return out
}

// classifyIP returns the rejection code for ip, or ("", false) if ip is safe
// to connect to.
func classifyIP(ip net.IP) (Code, bool) {
	if ip.IsUnspecified() {
		return CodePrivateIP, true
	}
	if ip.IsLoopback() {
		return CodeLoopback, true
	}
	if ip.IsLinkLocalUnicast() {
		return CodeLinkLocal, true
	}
	if ip.IsMulticast() {
		return CodeMulticast, true
	}
	for _, n := range privateCIDRs {
		if n.Contains(ip) {
			return CodePrivateIP, true
		}
	}
	return "", false
}

// resolveAndValidate looks up host and rejects the whole lookup if any
// resolved address falls in a disallowed range.
func resolveAndValidate(ctx context.Context, host string) ([]net.IPAddr, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &Error{Code: CodeDNSFailure, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &Error{Code: CodeDNSFailure, Err: errors.New("no addresses returned")}
	}
	for _, a := range addrs {
		if code, bad := classifyIP(a.IP); bad {
			return nil, &Error{Code: code, Err: fmt.Errorf("%s resolves to disallowed address %s", host, a.IP)}
		}
	}
	return addrs, nil
}

// newTransport builds an http.Transport whose dialer resolves and validates
// the target host for every connection and dials the validated address
// itself (so a DNS answer cannot change between check and dial), pins TLS
// SNI/verification to the original hostname, and disables system proxies.
func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, &Error{Code: CodeFetchFailed, Err: err}
			}
			addrs, err := resolveAndValidate(ctx, host)
			if err != nil {
				return nil, err
			}
			d := net.Dialer{}
			return d.DialContext(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
		},
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// Fetch performs an HTTPS GET of rawURL under opts. On any violation of the
// SSRF-safety invariants, it returns an *Error with no partial body.
func Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Code: CodeFetchFailed, Err: err}
	}
	if u.Scheme != "https" {
		return nil, &Error{Code: CodeNotHTTPS}
	}

	originHost := u.Hostname()

	client := &http.Client{
		Transport: newTransport(),
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !opts.AllowRedirects {
				return http.ErrUseLastResponse
			}
			if req.URL.Scheme != "https" {
				return &Error{Code: CodeCrossOriginRedirect, Err: fmt.Errorf("redirect to non-https URL %q", req.URL)}
			}
			if req.URL.Hostname() != originHost {
				return &Error{Code: CodeCrossOriginRedirect, Err: fmt.Errorf("redirect to different origin %q", req.URL.Hostname())}
			}
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Code: CodeFetchFailed, Err: err}
	}
	for k, v := range opts.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		if ctx.Err() != nil {
			return nil, &Error{Code: CodeTimeout, Err: err}
		}
		return nil, &Error{Code: CodeFetchFailed, Err: err}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, opts.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Code: CodeTimeout, Err: err}
		}
		return nil, &Error{Code: CodeFetchFailed, Err: err}
	}
	if int64(len(body)) > opts.MaxBytes {
		return nil, &Error{Code: CodeResponseTooLarge, Err: fmt.Errorf("response exceeds %d bytes", opts.MaxBytes)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Code: CodeFetchFailed, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	return &Result{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}
