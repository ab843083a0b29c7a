// Package httpsig implements verification of RFC 9421-style signed HTTP
// request proofs: parsing the Signature-Input/Signature header pair,
// building the canonical signature base, and Ed25519-verifying it.
package httpsig

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/peac-sandbox/gateway/internal/jwks"
	"github.com/peac-sandbox/gateway/internal/problem"
	"github.com/peac-sandbox/gateway/internal/replay"
	"github.com/peac-sandbox/gateway/internal/sfv"
)

// KeyResolver resolves the verification key for (issuer, keyid). It is
// satisfied by *jwks.Resolver.
type KeyResolver interface {
	Resolve(ctx context.Context, issuer, keyid string) (ed25519.PublicKey, error)
}

// RequestInfo is the subset of an inbound HTTP request needed to build a
// signature base: the method, the full request URL as the gateway sees it,
// and the header set (covered header-field components are read from here).
type RequestInfo struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// VerifyOptions parameterizes one Verify call.
type VerifyOptions struct {
	MaxClockSkew     time.Duration
	MaxWindow        time.Duration
	KnownTags        map[string]bool
	AllowUnknownTags bool
	AllowNoReplay    bool
}

// Result is a successful verification outcome.
type Result struct {
	KeyID   string
	Created time.Time
	Expires *time.Time
	Nonce   string
	Tag     string
}

// Verify verifies the signature under label in req's Signature-Input /
// Signature headers (the first dictionary member if label is empty).
// replayStore may be nil, in which case a nonce-bearing proof is rejected
// unless opts.AllowNoReplay is set.
func Verify(ctx context.Context, req RequestInfo, label string, resolver KeyResolver, replayStore *replay.Store, opts VerifyOptions) (*Result, error) {
	siHeader := req.Header.Get("Signature-Input")
	sigHeader := req.Header.Get("Signature")
	if siHeader == "" && sigHeader == "" {
		return nil, problem.New(problem.CodeTapSignatureMissing, "no signed-request headers present")
	}
	if siHeader == "" || sigHeader == "" {
		return nil, problem.New(problem.CodeTapSignatureInvalid, "Signature-Input and Signature must both be present")
	}

	siDict, err := sfv.ParseDictionary(siHeader)
	if err != nil {
		return nil, problem.Newf(problem.CodeTapSignatureInvalid, "malformed Signature-Input: %v", err)
	}
	sigDict, err := sfv.ParseDictionary(sigHeader)
	if err != nil {
		return nil, problem.Newf(problem.CodeTapSignatureInvalid, "malformed Signature: %v", err)
	}

	if label == "" {
		if len(siDict) == 0 {
			return nil, problem.New(problem.CodeTapSignatureInvalid, "Signature-Input has no members")
		}
		label = siDict[0].Key
	}

	siVal, ok := siDict.Get(label)
	if !ok || siVal.Kind != sfv.KindInnerList {
		return nil, problem.New(problem.CodeTapSignatureInvalid, "selected label is not a covered-component list")
	}
	sigVal, ok := sigDict.Get(label)
	if !ok || sigVal.Kind != sfv.KindByteSequence {
		return nil, problem.New(problem.CodeTapSignatureInvalid, "selected label has no signature bytes")
	}

	components := make([]string, 0, len(siVal.Items))
	for _, item := range siVal.Items {
		s, ok := item.AsString()
		if !ok {
			return nil, problem.New(problem.CodeTapSignatureInvalid, "covered component is not a string")
		}
		components = append(components, s)
	}

	algVal, ok := siVal.Param("alg")
	alg, _ := algVal.AsString()
	if !ok || alg != "ed25519" {
		return nil, problem.New(problem.CodeTapAlgorithmInvalid, "unsupported or missing signature algorithm")
	}

	createdVal, ok := siVal.Param("created")
	created, okInt := createdVal.AsInt()
	if !ok || !okInt {
		return nil, problem.New(problem.CodeTapSignatureInvalid, "missing created parameter")
	}
	createdTime := time.Unix(created, 0)

	keyidVal, ok := siVal.Param("keyid")
	keyid, okStr := keyidVal.AsString()
	if !ok || !okStr || keyid == "" {
		return nil, problem.New(problem.CodeTapSignatureInvalid, "missing keyid parameter")
	}

	var expiresPtr *int64
	if v, ok := siVal.Param("expires"); ok {
		n, ok := v.AsInt()
		if !ok {
			return nil, problem.New(problem.CodeTapSignatureInvalid, "expires parameter must be an integer")
		}
		expiresPtr = &n
	}

	var nonce string
	if v, ok := siVal.Param("nonce"); ok {
		nonce, _ = v.AsString()
	}

	var tag string
	if v, ok := siVal.Param("tag"); ok {
		tag, _ = v.AsString()
	}

	now := time.Now()
	skew := opts.MaxClockSkew
	if createdTime.After(now.Add(skew)) {
		return nil, problem.New(problem.CodeTapTimeInvalid, "created is in the future beyond allowed skew")
	}

	var expiresTime time.Time
	if expiresPtr != nil {
		expiresTime = time.Unix(*expiresPtr, 0)
		if expiresTime.Sub(createdTime) > opts.MaxWindow {
			return nil, problem.New(problem.CodeTapWindowTooLarge, "expires - created exceeds the maximum window")
		}
		if expiresTime.Before(now.Add(-skew)) {
			return nil, problem.New(problem.CodeTapTimeInvalid, "signature has expired")
		}
	}

	if tag != "" && !opts.AllowUnknownTags && !opts.KnownTags[tag] {
		return nil, problem.New(problem.CodeTapTagUnknown, "unknown signature tag")
	}

	issuerOrigin, err := originOf(keyid)
	if err != nil {
		return nil, problem.Newf(problem.CodeTapKeyNotFound, "keyid is not a resolvable URL: %v", err)
	}

	pub, err := resolver.Resolve(ctx, issuerOrigin, keyid)
	if err != nil {
		if isIssuerNotAllowed(err) {
			return nil, problem.New(problem.CodeIssuerNotAllowed, "signed-request issuer is not in the configured allowlist")
		}
		return nil, problem.New(problem.CodeTapKeyNotFound, "verification key not found")
	}

	base, err := buildSignatureBase(components, req, siVal)
	if err != nil {
		return nil, problem.Newf(problem.CodeTapSignatureInvalid, "cannot build signature base: %v", err)
	}

	if !ed25519.Verify(pub, []byte(base), sigVal.Bytes) {
		return nil, problem.New(problem.CodeTapSignatureInvalid, "signature does not verify")
	}

	if nonce != "" {
		if replayStore == nil && !opts.AllowNoReplay {
			return nil, problem.New(problem.CodeTapReplayRequired, "nonce present but no replay store configured")
		}
		if replayStore != nil {
			var ttl time.Duration
			if expiresPtr != nil {
				ttl = time.Until(expiresTime)
			} else {
				ttl = time.Until(createdTime.Add(opts.MaxWindow))
			}
			if ttl <= 0 {
				ttl = time.Second
			}
			if replayStore.Seen(issuerOrigin, keyid, nonce, ttl) {
				return nil, problem.New(problem.CodeTapNonceReplay, "nonce has already been used")
			}
		}
	}

	res := &Result{KeyID: keyid, Created: createdTime, Nonce: nonce, Tag: tag}
	if expiresPtr != nil {
		res.Expires = &expiresTime
	}
	return res, nil
}

func isIssuerNotAllowed(err error) bool {
	var jerr *jwks.Error
	return errors.As(err, &jerr) && jerr.Code == jwks.CodeIssuerNotAllowed
}

func originOf(keyid string) (string, error) {
	u, err := url.Parse(keyid)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid keyid URL %q", keyid)
	}
	return u.Scheme + "://" + u.Host, nil
}

// buildSignatureBase constructs the canonical signature base: one line per
// covered component, followed by the @signature-params line, which is the
// parsed Signature-Input member re-serialized in canonical form (it equals
// the received text only when that text was already canonical).
func buildSignatureBase(components []string, req RequestInfo, siVal sfv.Value) (string, error) {
	lines := make([]string, 0, len(components)+1)
	for _, name := range components {
		line, err := resolveComponent(name, req)
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	lines = append(lines, `"@signature-params": `+serializeSignatureParams(siVal))
	return strings.Join(lines, "\n"), nil
}

func resolveComponent(name string, req RequestInfo) (string, error) {
	lower := strings.ToLower(name)
	switch lower {
	case "@method":
		return fmt.Sprintf("%q: %s", lower, strings.ToUpper(req.Method)), nil
	case "@target-uri":
		return fmt.Sprintf("%q: %s", lower, req.URL.String()), nil
	case "@authority":
		host := req.URL.Host
		if host == "" {
			host = req.Header.Get("Host")
		}
		return fmt.Sprintf("%q: %s", lower, strings.ToLower(host)), nil
	case "@scheme":
		scheme := req.URL.Scheme
		if scheme == "" {
			scheme = "https"
		}
		return fmt.Sprintf("%q: %s", lower, scheme), nil
	case "@request-target":
		rt := req.URL.Path
		if req.URL.RawQuery != "" {
			rt += "?" + req.URL.RawQuery
		}
		return fmt.Sprintf("%q: %s", lower, rt), nil
	case "@path":
		path := req.URL.Path
		if path == "" {
			path = "/"
		}
		return fmt.Sprintf("%q: %s", lower, path), nil
	case "@query":
		if req.URL.RawQuery == "" {
			return fmt.Sprintf("%q: ?", lower), nil
		}
		return fmt.Sprintf("%q: ?%s", lower, req.URL.RawQuery), nil
	}
	if strings.HasPrefix(lower, "@") {
		return "", fmt.Errorf("unsupported derived component %q", name)
	}
	values := req.Header.Values(http.CanonicalHeaderKey(name))
	if len(values) == 0 {
		return "", fmt.Errorf("covered header %q is not present on the request", name)
	}
	return fmt.Sprintf("%q: %s", lower, strings.Join(values, ", ")), nil
}

func serializeSignatureParams(v sfv.Value) string {
	parts := make([]string, len(v.Items))
	for i, item := range v.Items {
		parts[i] = quoteSFString(item.Str)
	}
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(strings.Join(parts, " "))
	b.WriteByte(')')
	for _, p := range v.Params {
		b.WriteByte(';')
		b.WriteString(p.Key)
		switch p.Value.Kind {
		case sfv.KindInteger:
			b.WriteByte('=')
			b.WriteString(strconv.FormatInt(p.Value.Int, 10))
		case sfv.KindString:
			b.WriteByte('=')
			b.WriteString(quoteSFString(p.Value.Str))
		case sfv.KindToken:
			b.WriteByte('=')
			b.WriteString(p.Value.Token)
		case sfv.KindBoolean:
			if !p.Value.Bool {
				b.WriteString("=?0")
			}
		}
	}
	return b.String()
}

func quoteSFString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
