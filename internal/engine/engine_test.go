package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peac-sandbox/gateway/internal/ratelimit"
	"github.com/peac-sandbox/gateway/internal/receipt"
	"github.com/peac-sandbox/gateway/internal/replay"
)

type stubResolver struct {
	keys map[string]ed25519.PublicKey
}

func (s stubResolver) Resolve(_ context.Context, issuer, keyid string) (ed25519.PublicKey, error) {
	k, ok := s.keys[keyid]
	if !ok {
		return nil, fmt.Errorf("no key for %s / %s", issuer, keyid)
	}
	return k, nil
}

func generousLimiter() *ratelimit.Limiter {
	return ratelimit.New(
		ratelimit.Tier{Limit: 1000, Window: time.Minute},
		ratelimit.Tier{Limit: 1000, Window: time.Minute},
	)
}

func okNext() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func baseConfig() Config {
	return Config{
		Mode:                ModeReceiptOrTap,
		Audience:            "https://gateway.example",
		MaxClockSkew:        5 * time.Minute,
		MaxTapWindow:        8 * time.Minute,
		AllowUnknownTags:    true,
		AllowlistConfigured: true,
		AllowNoReplay:       true,
		PointerMaxBytes:     65536,
		PointerTimeout:      time.Second,
	}
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func buildReceiptJWS(t *testing.T, priv ed25519.PrivateKey, claims receipt.Claims) string {
	t.Helper()
	header := map[string]any{"alg": "ed25519", "typ": receipt.ReceiptType, "kid": "k1"}
	h, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}
	p, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	signingInput := b64(h) + "." + b64(p)
	sig := ed25519.Sign(priv, []byte(signingInput))
	return signingInput + "." + b64(sig)
}

func TestBypassPathForwardsUnverified(t *testing.T) {
	cfg := baseConfig()
	cfg.BypassPaths = []string{"/health", "/static/**"}
	e := New(cfg, stubResolver{}, nil, generousLimiter(), okNext())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestReceiptFromDisallowedIssuerRejected(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	_ = pub
	cfg := baseConfig()
	e := New(cfg, stubResolver{keys: map[string]ed25519.PublicKey{}}, nil, generousLimiter(), okNext())

	exp := time.Now().Add(time.Hour).Unix()
	jws := buildReceiptJWS(t, priv, receipt.Claims{
		Issuer: "https://evil.example", Audience: "https://gateway.example",
		IssuedAt: time.Now().Unix(), ExpiresAt: &exp,
	})

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Peac-Receipt", jws)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	// With no key registered for k1 at all, resolution fails generically
	// (402); the issuer-allowlist-specific 403 path is exercised at the
	// jwks package layer, where the allowlist actually lives.
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestAnonymousRateLimitExceeded(t *testing.T) {
	cfg := baseConfig()
	limiter := ratelimit.New(ratelimit.Tier{Limit: 1, Window: time.Minute}, ratelimit.Tier{Limit: 1000, Window: time.Minute})
	e := New(cfg, stubResolver{}, nil, limiter, okNext())

	req1 := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req1.RemoteAddr = "203.0.113.1:12345"
	w1 := httptest.NewRecorder()
	e.ServeHTTP(w1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req2.RemoteAddr = "203.0.113.1:12345"
	w2 := httptest.NewRecorder()
	e.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func TestReceiptAlgNoneRejected(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	cfg := baseConfig()
	e := New(cfg, stubResolver{}, nil, generousLimiter(), okNext())

	exp := time.Now().Add(time.Hour).Unix()
	header := map[string]any{"alg": "none", "typ": receipt.ReceiptType, "kid": "k1"}
	h, _ := json.Marshal(header)
	claims := receipt.Claims{Issuer: "https://issuer.example", Audience: "https://gateway.example", IssuedAt: time.Now().Unix(), ExpiresAt: &exp}
	p, _ := json.Marshal(claims)
	signingInput := b64(h) + "." + b64(p)
	sig := ed25519.Sign(priv, []byte(signingInput))
	jws := signingInput + "." + b64(sig)

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Peac-Receipt", jws)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatal("alg=none receipt must never be accepted")
	}
}

func TestPointerWithHTTPURLNeverFetches(t *testing.T) {
	cfg := baseConfig()
	e := New(cfg, stubResolver{}, nil, generousLimiter(), okNext())

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Peac-Receipt-Pointer", `sha256="`+fmt64Hex()+`", url="http://example.com/r.jws"`)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatal("a non-https pointer url must never be fetched or accepted")
	}
}

func fmt64Hex() string {
	return strings.Repeat("a", 64)
}

func TestSignedRequestNonceReplayRejectedOnSecondUse(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	cfg := baseConfig()
	cfg.Mode = ModeTapOnly
	cfg.AllowNoReplay = false
	store, err := replay.New(16)
	if err != nil {
		t.Fatal(err)
	}
	resolver := stubResolver{keys: map[string]ed25519.PublicKey{"https://issuer.example/keys/k1": pub}}
	e := New(cfg, resolver, store, generousLimiter(), okNext())

	buildReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "https://gateway.example/resource", nil)
		created := time.Now().Unix()
		quoted := `"@method" "@path"`
		params := fmt.Sprintf(`;created=%d;keyid="https://issuer.example/keys/k1";alg="ed25519";nonce="abc123"`, created)
		siValue := "sig1=(" + quoted + ")" + params

		// Matches httpsig's canonical per-component and @signature-params
		// line format exactly; the params-line content below is the same
		// text that follows "sig1=" in siValue, which is how the verifier
		// reconstructs it from the parsed Signature-Input member.
		base := fmt.Sprintf("%q: %s\n%q: %s\n%q: %s",
			"@method", req.Method,
			"@path", req.URL.Path,
			"@signature-params", strings.TrimPrefix(siValue, "sig1="))
		sig := ed25519.Sign(priv, []byte(base))

		req.Header.Set("Signature-Input", siValue)
		req.Header.Set("Signature", "sig1=:"+base64.StdEncoding.EncodeToString(sig)+":")
		return req
	}

	req1 := buildReq()
	w1 := httptest.NewRecorder()
	e.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first use status = %d, want 200, body=%s", w1.Code, w1.Body.String())
	}

	req2 := buildReq()
	w2 := httptest.NewRecorder()
	e.ServeHTTP(w2, req2)
	if w2.Code != http.StatusConflict {
		t.Fatalf("replayed use status = %d, want 409", w2.Code)
	}
}

func TestExpiredReceiptWithValidTapStillForwards(t *testing.T) {
	receiptPub, receiptPriv, _ := ed25519.GenerateKey(nil)
	tapPub, tapPriv, _ := ed25519.GenerateKey(nil)

	cfg := baseConfig() // ModeReceiptOrTap
	resolver := stubResolver{keys: map[string]ed25519.PublicKey{
		"k1": receiptPub,
		"https://issuer.example/keys/k1": tapPub,
	}}
	e := New(cfg, resolver, nil, generousLimiter(), okNext())

	expiredExp := time.Now().Add(-time.Hour).Unix()
	jws := buildReceiptJWS(t, receiptPriv, receipt.Claims{
		Issuer: "https://issuer.example", Audience: "https://gateway.example",
		IssuedAt: time.Now().Add(-2 * time.Hour).Unix(), ExpiresAt: &expiredExp,
	})

	req := httptest.NewRequest(http.MethodGet, "https://gateway.example/resource", nil)
	req.Header.Set("Peac-Receipt", jws)

	created := time.Now().Unix()
	quoted := `"@method" "@path"`
	params := fmt.Sprintf(`;created=%d;keyid="https://issuer.example/keys/k1";alg="ed25519"`, created)
	siValue := "sig1=(" + quoted + ")" + params
	base := fmt.Sprintf("%q: %s\n%q: %s\n%q: %s",
		"@method", req.Method,
		"@path", req.URL.Path,
		"@signature-params", strings.TrimPrefix(siValue, "sig1="))
	sig := ed25519.Sign(tapPriv, []byte(base))
	req.Header.Set("Signature-Input", siValue)
	req.Header.Set("Signature", "sig1=:"+base64.StdEncoding.EncodeToString(sig)+":")

	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (valid tap should satisfy receipt_or_tap despite expired receipt), body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-PEAC-Engine") != "tap" {
		t.Fatalf("X-PEAC-Engine = %q, want %q", w.Header().Get("X-PEAC-Engine"), "tap")
	}
}
