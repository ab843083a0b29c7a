// Package engine implements the gateway's request-decision pipeline: rate
// limiting, transport detection, receipt and signed-request verification,
// and the mode policy that decides whether a request may proceed.
package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peac-sandbox/gateway/internal/httpsig"
	"github.com/peac-sandbox/gateway/internal/pointer"
	"github.com/peac-sandbox/gateway/internal/problem"
	"github.com/peac-sandbox/gateway/internal/ratelimit"
	"github.com/peac-sandbox/gateway/internal/receipt"
	"github.com/peac-sandbox/gateway/internal/replay"
	"github.com/peac-sandbox/gateway/internal/transport"
)

// KeyResolver resolves the verification key for (issuer, kid/keyid). It is
// satisfied by *jwks.Resolver; both receipt.Verify and httpsig.Verify are
// parameterized over the same shape.
type KeyResolver interface {
	Resolve(ctx context.Context, issuer, keyid string) (ed25519.PublicKey, error)
}

// Mode selects which authentication profiles a request may satisfy.
type Mode string

const (
	// ModeTapOnly accepts only a signed-request proof. A receipt alone,
	// even a verified one, does not authorize the request.
	ModeTapOnly Mode = "tap_only"
	// ModeReceiptOrTap accepts either a verified receipt or a verified
	// signed-request proof.
	ModeReceiptOrTap Mode = "receipt_or_tap"
)

// Config parameterizes the decision engine.
type Config struct {
	Mode Mode

	// BypassPaths are glob patterns (supporting "*" for one path segment and
	// "**" for any number of segments) matched against the request path.
	// A match forwards the request without any verification whatsoever.
	BypassPaths []string

	// Audience is this gateway's own identifier, checked against a
	// receipt's aud claim.
	Audience string

	MaxClockSkew time.Duration
	MaxTapWindow time.Duration

	KnownTags        map[string]bool
	AllowUnknownTags bool

	RequireReceiptExp bool

	// AllowlistConfigured is false when the issuer allowlist is empty and
	// no unsafe override was set; the engine then fails closed on every
	// non-bypass request.
	AllowlistConfigured bool

	AllowNoReplay bool

	PointerMaxBytes       int64
	PointerTimeout        time.Duration
	PointerAllowRedirects bool
}

// Engine is an http.Handler that verifies an inbound request's access
// receipt or signed-request proof, then forwards it to Next.
type Engine struct {
	cfg      Config
	resolver KeyResolver
	replay   *replay.Store
	limiter  *ratelimit.Limiter
	next     http.Handler
}

// New builds an Engine. replayStore may be nil only when cfg.AllowNoReplay
// is set; the engine otherwise refuses every nonce-bearing proof.
func New(cfg Config, resolver KeyResolver, replayStore *replay.Store, limiter *ratelimit.Limiter, next http.Handler) *Engine {
	return &Engine{cfg: cfg, resolver: resolver, replay: replayStore, limiter: limiter, next: next}
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set("X-Request-Id", reqID)

	if e.bypasses(r.URL.Path) {
		slog.Debug("bypass path matched", "path", r.URL.Path, "request_id", reqID)
		e.next.ServeHTTP(w, r)
		return
	}

	if !e.cfg.AllowlistConfigured {
		writeErr(w, reqID, problem.New(problem.CodeConfigAllowlistRequired, "no issuer allowlist is configured"))
		return
	}

	keyed := r.Header.Get("X-Peac-Client-Key") != ""
	decision := e.limiter.Allow(clientKey(r), keyed)
	writeRateLimitHeaders(w, decision)
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(nonNegative(int(decision.RetryAfter.Seconds()))))
		writeErr(w, reqID, problem.New(problem.CodeRateLimited, "rate limit exceeded"))
		return
	}

	jws, body, err := e.resolveReceiptJWS(r)
	if err != nil {
		writeErr(w, reqID, err)
		return
	}

	var receiptOK bool
	var tapOK bool
	var engineUsed string
	var warning string
	var receiptErr, tapErr error

	if jws != "" {
		res, verr := receipt.Verify(r.Context(), jws, e.resolver, receipt.VerifyOptions{
			ExpectedAudience: e.cfg.Audience,
			MaxClockSkew:     e.cfg.MaxClockSkew,
			RequireExp:       e.cfg.RequireReceiptExp,
		})
		if verr != nil {
			receiptErr = verr
		} else {
			receiptOK = true
			engineUsed = "receipt"
			if res.Claims.PurposeDeclared != "" && res.Claims.PurposeDeclared != res.Claims.PurposeEnforced {
				warning = "declared purpose does not match enforced purpose"
			}
		}
	}

	if r.Header.Get("Signature-Input") != "" {
		info := httpsig.RequestInfo{Method: r.Method, URL: requestURL(r), Header: r.Header}
		_, verr := httpsig.Verify(r.Context(), info, "", e.resolver, e.replay, httpsig.VerifyOptions{
			MaxClockSkew:     e.cfg.MaxClockSkew,
			MaxWindow:        e.cfg.MaxTapWindow,
			KnownTags:        e.cfg.KnownTags,
			AllowUnknownTags: e.cfg.AllowUnknownTags,
			AllowNoReplay:    e.cfg.AllowNoReplay,
		})
		if verr != nil {
			tapErr = verr
		} else {
			tapOK = true
			if engineUsed == "" {
				engineUsed = "tap"
			} else {
				engineUsed = "receipt+tap"
			}
		}
	}

	// A request carrying two profiles, one valid and one not, is accepted
	// on the valid one under receipt_or_tap — only report a failure once
	// every profile that was present has been attempted and none satisfy
	// the configured mode. Tap takes priority in the error reported since
	// tap_only mode treats it as the only profile that matters.
	if !e.satisfiesMode(receiptOK, tapOK) {
		switch {
		case tapErr != nil:
			writeErr(w, reqID, tapErr)
		case receiptErr != nil:
			writeErr(w, reqID, receiptErr)
		default:
			writeErr(w, reqID, missingAuthError(e.cfg.Mode))
		}
		return
	}

	if body != nil {
		r.Body = io.NopCloser(strings.NewReader(body.raw))
		r.ContentLength = int64(len(body.raw))
	}

	w.Header().Set("X-PEAC-Verified", "true")
	w.Header().Set("X-PEAC-Engine", engineUsed)
	if warning != "" {
		w.Header().Set("X-PEAC-Warning", warning)
	}
	e.next.ServeHTTP(w, r)
}

func (e *Engine) satisfiesMode(receiptOK, tapOK bool) bool {
	switch e.cfg.Mode {
	case ModeTapOnly:
		return tapOK
	case ModeReceiptOrTap:
		return receiptOK || tapOK
	default:
		return false
	}
}

func missingAuthError(mode Mode) error {
	if mode == ModeTapOnly {
		return problem.New(problem.CodeTapSignatureMissing, "a verified signed-request proof is required")
	}
	return problem.New(problem.CodeReceiptMissing, "a verified receipt or signed-request proof is required")
}

// decodedBody carries the original raw JSON body text so it can be restored
// onto the request after transport detection has consumed it.
type decodedBody struct {
	raw string
}

// resolveReceiptJWS runs transport detection (C1), resolving a pointer
// profile (C10) into the receipt's JWS text if needed, and hands back the
// raw body text to be restored before forwarding.
func (e *Engine) resolveReceiptJWS(r *http.Request) (string, *decodedBody, error) {
	var bodyMap map[string]any
	var raw string

	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil && len(b) > 0 {
			raw = string(b)
			_ = json.Unmarshal(b, &bodyMap)
		}
	}

	res, err := transport.Detect(r.Header.Values, bodyMap)
	if err != nil {
		return "", nil, err
	}

	var bodyOut *decodedBody
	if raw != "" {
		bodyOut = &decodedBody{raw: raw}
	}

	switch res.Kind {
	case transport.KindNone:
		return "", bodyOut, nil
	case transport.KindHeader:
		return res.JWS, bodyOut, nil
	case transport.KindBody:
		return res.Receipts[0], bodyOut, nil
	case transport.KindPointer:
		ctx, cancel := context.WithTimeout(r.Context(), e.cfg.PointerTimeout)
		defer cancel()
		jws, perr := pointer.Resolve(ctx, res.Pointer.URL, res.Pointer.DigestHex, pointer.Options{
			MaxBytes:       e.cfg.PointerMaxBytes,
			Timeout:        e.cfg.PointerTimeout,
			AllowRedirects: e.cfg.PointerAllowRedirects,
		})
		if perr != nil {
			return "", nil, perr
		}
		return jws, bodyOut, nil
	}
	return "", bodyOut, nil
}

func (e *Engine) bypasses(path string) bool {
	for _, pattern := range e.cfg.BypassPaths {
		if matchGlob(pattern, path) {
			return true
		}
	}
	return false
}

// matchGlob matches a "/"-separated pattern against path. "*" matches
// exactly one path segment; "**" matches zero or more segments.
func matchGlob(pattern, path string) bool {
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	sSegs := strings.Split(strings.Trim(path, "/"), "/")
	return matchSegs(pSegs, sSegs)
}

func matchSegs(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		if matchSegs(pattern[1:], path) {
			return true
		}
		if len(path) == 0 {
			return false
		}
		return matchSegs(pattern, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != path[0] {
		return false
	}
	return matchSegs(pattern[1:], path[1:])
}

func clientKey(r *http.Request) string {
	if k := r.Header.Get("X-Peac-Client-Key"); k != "" {
		return k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return &u
}

func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("Ratelimit-Limit", strconv.Itoa(int(d.Limit)))
	w.Header().Set("Ratelimit-Remaining", strconv.Itoa(int(d.Remaining)))
	w.Header().Set("Ratelimit-Reset", strconv.Itoa(nonNegative(int(time.Until(d.ResetAt).Seconds()))))
}

func writeErr(w http.ResponseWriter, reqID string, err error) {
	if pe, ok := err.(*problem.Error); ok {
		pe.Instance = reqID
		pe.WriteTo(w)
		return
	}
	e := problem.New(problem.CodeInternalError, "internal error")
	e.Instance = reqID
	e.WriteTo(w)
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
