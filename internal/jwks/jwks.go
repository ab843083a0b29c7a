// Package jwks resolves Ed25519 verification keys for a given (issuer, kid)
// pair, fetching and caching the issuer's published key set. Concurrent
// lookups for the same issuer share a single in-flight fetch, and a short
// negative cache absorbs repeated failures during an outage.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/peac-sandbox/gateway/internal/fetch"
)

// Code is the taxonomy of resolver-level failures.
type Code string

const (
	CodeIssuerNotAllowed Code = "issuer_not_allowed"
	CodeUnreachable      Code = "unreachable"
	CodeKeyNotFound      Code = "key_not_found"
	CodeInvalidDocument  Code = "invalid_document"
)

// Error is the typed error returned by Resolve.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jwks: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("jwks: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// jwk is the minimal OKP/Ed25519 JSON Web Key shape this resolver
// understands: {"kty":"OKP","crv":"Ed25519","kid":"...","x":"<base64url>"}.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type doc struct {
	keys      map[string]ed25519.PublicKey
	fetchedAt time.Time
}

// Options configures a Resolver.
type Options struct {
	// Allowlist is the set of HTTPS issuer origins permitted to be fetched.
	Allowlist []string
	// TTL is how long a successfully fetched document is cached.
	TTL time.Duration
	// NegativeTTL is how long a failed fetch is cached, to avoid
	// thundering-herd retries during an outage.
	NegativeTTL time.Duration
	// MinRefreshAge bounds how often a kid-miss forces a refetch: a document
	// younger than this is trusted as complete.
	MinRefreshAge time.Duration
	// MaxIssuers bounds the number of distinct issuer documents cached.
	MaxIssuers int
	// FetchTimeout and FetchMaxBytes bound the underlying HTTPS fetch.
	FetchTimeout  time.Duration
	FetchMaxBytes int64
}

// Resolver fetches, caches, and rotates issuer JWKS documents.
type Resolver struct {
	opts      Options
	allowlist map[string]bool

	docs     *lru.LRU[string, *doc]
	negative *lru.LRU[string, struct{}]
	sf       singleflight.Group

	// fetchFn performs the underlying HTTPS fetch of a JWKS document. It
	// defaults to the SSRF-safe fetch.Fetch; tests substitute a stub so they
	// don't need a real non-loopback HTTPS endpoint.
	fetchFn func(ctx context.Context, url string, opts fetch.Options) (*fetch.Result, error)
}

// NewResolver builds a Resolver. The allowlist gate is enforced here, before
// any network call — a fetch to a non-allowlisted issuer is refused outright.
func NewResolver(opts Options) *Resolver {
	allow := make(map[string]bool, len(opts.Allowlist))
	for _, o := range opts.Allowlist {
		allow[normalizeOrigin(o)] = true
	}
	return &Resolver{
		opts:      opts,
		allowlist: allow,
		docs:      lru.NewLRU[string, *doc](opts.MaxIssuers, nil, opts.TTL),
		negative:  lru.NewLRU[string, struct{}](opts.MaxIssuers, nil, opts.NegativeTTL),
		fetchFn:   fetch.Fetch,
	}
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func jwksURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
}

// Resolve returns the Ed25519 public key for kid within issuer's key set.
func (r *Resolver) Resolve(ctx context.Context, issuer, kid string) (ed25519.PublicKey, error) {
	origin := normalizeOrigin(issuer)
	if !r.allowlist[origin] {
		return nil, &Error{Code: CodeIssuerNotAllowed, Err: fmt.Errorf("issuer %q is not allowlisted", issuer)}
	}

	if _, down := r.negative.Get(origin); down {
		return nil, &Error{Code: CodeUnreachable, Err: fmt.Errorf("issuer %q is negatively cached", issuer)}
	}

	if d, ok := r.docs.Get(origin); ok {
		if key, ok := d.keys[kid]; ok {
			return key, nil
		}
		if time.Since(d.fetchedAt) < r.opts.MinRefreshAge {
			return nil, &Error{Code: CodeKeyNotFound, Err: fmt.Errorf("kid %q not in cached document", kid)}
		}
		// Document is old enough to justify one forced refresh on a kid miss.
	}

	d, err := r.fetchDoc(ctx, issuer, origin)
	if err != nil {
		return nil, err
	}
	key, ok := d.keys[kid]
	if !ok {
		return nil, &Error{Code: CodeKeyNotFound, Err: fmt.Errorf("kid %q not found after refresh", kid)}
	}
	return key, nil
}

// fetchDoc performs (or joins an in-flight) single-flighted fetch of
// issuer's JWKS document, keyed by origin so concurrent callers share one
// HTTPS call.
func (r *Resolver) fetchDoc(ctx context.Context, issuer, origin string) (*doc, error) {
	v, err, _ := r.sf.Do(origin, func() (any, error) {
		res, ferr := r.fetchFn(ctx, jwksURL(issuer), fetch.Options{
			MaxBytes: r.opts.FetchMaxBytes,
			Timeout:  r.opts.FetchTimeout,
		})
		if ferr != nil {
			r.negative.Add(origin, struct{}{})
			return nil, &Error{Code: CodeUnreachable, Err: ferr}
		}

		var set jwkSet
		if jerr := json.Unmarshal(res.Body, &set); jerr != nil {
			r.negative.Add(origin, struct{}{})
			return nil, &Error{Code: CodeInvalidDocument, Err: jerr}
		}

		keys := make(map[string]ed25519.PublicKey, len(set.Keys))
		for _, k := range set.Keys {
			if k.Kty != "OKP" || k.Crv != "Ed25519" || k.Kid == "" {
				continue
			}
			raw, derr := base64.RawURLEncoding.DecodeString(k.X)
			if derr != nil || len(raw) != ed25519.PublicKeySize {
				continue
			}
			keys[k.Kid] = ed25519.PublicKey(raw)
		}

		d := &doc{keys: keys, fetchedAt: time.Now()}
		r.docs.Add(origin, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*doc), nil
}
