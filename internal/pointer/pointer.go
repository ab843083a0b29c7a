// Package pointer implements the pointer-receipt profile: fetch the bytes at
// a declared URL via an SSRF-safe fetch, verify their SHA-256 digest against
// the header's declared value, and hand back the inline JWS compact string.
package pointer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/peac-sandbox/gateway/internal/fetch"
	"github.com/peac-sandbox/gateway/internal/problem"
)

// Options bounds a single pointer resolution.
type Options struct {
	MaxBytes       int64
	Timeout        time.Duration
	AllowRedirects bool
}

// Resolve fetches url, verifies its SHA-256 digest equals wantDigestHex
// (lowercase hex), and returns the body as a JWS compact string.
func Resolve(ctx context.Context, url, wantDigestHex string, opts Options) (string, error) {
	res, err := fetch.Fetch(ctx, url, fetch.Options{
		MaxBytes:       opts.MaxBytes,
		Timeout:        opts.Timeout,
		AllowRedirects: opts.AllowRedirects,
	})
	if err != nil {
		return "", mapFetchError(err)
	}

	sum := sha256.Sum256(res.Body)
	gotHex := hex.EncodeToString(sum[:])
	if gotHex != wantDigestHex {
		return "", problem.New(problem.CodeVerifyPointerDigestMismatch, "pointer body digest does not match declared sha256")
	}

	jws := strings.TrimSpace(string(res.Body))
	if !looksLikeJWSCompact(jws) {
		return "", problem.New(problem.CodeVerifyMalformedReceipt, "pointer body is not a JWS compact string")
	}
	return jws, nil
}

func mapFetchError(err error) error {
	var fe *fetch.Error
	if !errors.As(err, &fe) {
		return problem.New(problem.CodeVerifyPointerFetchBlocked, "pointer fetch failed")
	}
	switch fe.Code {
	case fetch.CodeTimeout:
		return problem.New(problem.CodeVerifyPointerTimeout, "pointer fetch timed out")
	case fetch.CodeResponseTooLarge:
		return problem.New(problem.CodeVerifyPointerTooLarge, "pointer response exceeded the size cap")
	case fetch.CodeNotHTTPS, fetch.CodePrivateIP, fetch.CodeLoopback, fetch.CodeLinkLocal,
		fetch.CodeMulticast, fetch.CodeDNSFailure, fetch.CodeCrossOriginRedirect:
		return problem.New(problem.CodeVerifyPointerFetchBlocked, "pointer fetch blocked: "+string(fe.Code))
	default:
		return problem.New(problem.CodeVerifyPointerFailed, "pointer fetch failed")
	}
}

func looksLikeJWSCompact(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}
