package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// UpstreamURL is the origin this gateway proxies verified requests to.
	UpstreamURL string

	// IssuerAllowlist is the set of HTTPS issuer origins the gateway will
	// ever fetch a JWKS document from. Empty means nothing is allowed — the
	// decision engine then fails closed unless UnsafeAllowAnyIssuer is set.
	IssuerAllowlist []string

	// BypassPaths are glob patterns exempt from all verification.
	BypassPaths []string

	// Mode selects the authentication policy: "tap_only" or "receipt_or_tap".
	Mode string

	// Audience is this gateway's own identifier, checked against a
	// receipt's aud claim.
	Audience string

	MaxClockSkewSeconds    int
	MaxTapWindowSeconds    int
	JWKSTTLSeconds         int
	JWKSNegativeTTLSeconds int
	JWKSMinRefreshSeconds  int
	PointerMaxBytes        int64
	FetchTimeoutMS         int

	RateLimitAnonLimit   int64
	RateLimitAnonWindow  time.Duration
	RateLimitKeyedLimit  int64
	RateLimitKeyedWindow time.Duration

	ReplayCapacity int

	// UnsafeAllowAnyIssuer disables the issuer allowlist fail-closed check.
	// It does not widen the allowlist itself: the key resolver still refuses
	// every issuer not in IssuerAllowlist. Loudly logged at startup; never
	// enable in production.
	UnsafeAllowAnyIssuer bool
	// UnsafeAllowUnknownTags accepts a signature tag not in KnownTags.
	UnsafeAllowUnknownTags bool
	// UnsafeAllowNoReplay accepts a nonce-bearing proof with no replay store.
	UnsafeAllowNoReplay bool

	KnownTags []string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded if present (dev convenience).
func Load() (*Config, error) {
	_ = godotenv.Load() // no-op if .env absent (production uses real env vars)

	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		UpstreamURL: getEnv("UPSTREAM_URL", ""),

		IssuerAllowlist: splitNonEmpty(getEnv("ISSUER_ALLOWLIST", "")),
		BypassPaths:     splitNonEmpty(getEnv("BYPASS_PATHS", "")),
		Mode:            getEnv("MODE", "tap_only"),
		Audience:        getEnv("AUDIENCE", getEnv("GATEWAY_URL", "")),

		MaxClockSkewSeconds:    getEnvInt("MAX_CLOCK_SKEW_SECONDS", 300),
		MaxTapWindowSeconds:    getEnvInt("MAX_TAP_WINDOW_SECONDS", 480),
		JWKSTTLSeconds:         getEnvInt("JWKS_TTL_SECONDS", 600),
		JWKSNegativeTTLSeconds: getEnvInt("JWKS_NEGATIVE_TTL_SECONDS", 30),
		JWKSMinRefreshSeconds:  getEnvInt("JWKS_MIN_REFRESH_SECONDS", 60),
		PointerMaxBytes:        int64(getEnvInt("POINTER_MAX_BYTES", 65536)),
		FetchTimeoutMS:         getEnvInt("FETCH_TIMEOUT_MS", 5000),

		RateLimitAnonLimit:   int64(getEnvInt("RATE_LIMIT_ANON", 100)),
		RateLimitAnonWindow:  time.Duration(getEnvInt("RATE_LIMIT_ANON_WINDOW_SECONDS", 60)) * time.Second,
		RateLimitKeyedLimit:  int64(getEnvInt("RATE_LIMIT_KEYED", 1000)),
		RateLimitKeyedWindow: time.Duration(getEnvInt("RATE_LIMIT_KEYED_WINDOW_SECONDS", 60)) * time.Second,

		ReplayCapacity: getEnvInt("REPLAY_CAPACITY", 100000),

		UnsafeAllowAnyIssuer:   getEnvBool("UNSAFE_ALLOW_ANY_ISSUER", false),
		UnsafeAllowUnknownTags: getEnvBool("UNSAFE_ALLOW_UNKNOWN_TAGS", false),
		UnsafeAllowNoReplay:    getEnvBool("UNSAFE_ALLOW_NO_REPLAY", false),

		KnownTags: splitNonEmpty(getEnv("KNOWN_TAGS", "crawl,train,search,agent")),
	}

	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL env var is required")
	}
	if cfg.Mode != "tap_only" && cfg.Mode != "receipt_or_tap" {
		return nil, fmt.Errorf("MODE must be %q or %q, got %q", "tap_only", "receipt_or_tap", cfg.Mode)
	}
	if len(cfg.IssuerAllowlist) == 0 && !cfg.UnsafeAllowAnyIssuer {
		// Not fatal: the gateway starts, but the decision engine fails
		// closed on every non-bypass request until this is fixed.
		slog.Warn("ISSUER_ALLOWLIST is empty; the gateway will refuse every non-bypass request")
	}
	if cfg.UnsafeAllowAnyIssuer {
		slog.Warn("UNSAFE_ALLOW_ANY_ISSUER is set; an empty issuer allowlist no longer fails closed (issuers outside the allowlist are still refused)")
	}
	if cfg.UnsafeAllowUnknownTags {
		slog.Warn("UNSAFE_ALLOW_UNKNOWN_TAGS is set; unrecognized signature tags are accepted")
	}
	if cfg.UnsafeAllowNoReplay {
		slog.Warn("UNSAFE_ALLOW_NO_REPLAY is set; nonce replay protection is not enforced")
	}

	return cfg, nil
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
