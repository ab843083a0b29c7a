package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/peac-sandbox/gateway/config"
	"github.com/peac-sandbox/gateway/internal/engine"
	"github.com/peac-sandbox/gateway/internal/jwks"
	"github.com/peac-sandbox/gateway/internal/ratelimit"
	"github.com/peac-sandbox/gateway/internal/replay"
	"github.com/peac-sandbox/gateway/proxy"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	upstream, err := proxy.New(cfg.UpstreamURL)
	if err != nil {
		slog.Error("failed to create upstream proxy", "err", err)
		os.Exit(1)
	}

	resolver := jwks.NewResolver(jwks.Options{
		Allowlist:     cfg.IssuerAllowlist,
		TTL:           time.Duration(cfg.JWKSTTLSeconds) * time.Second,
		NegativeTTL:   time.Duration(cfg.JWKSNegativeTTLSeconds) * time.Second,
		MinRefreshAge: time.Duration(cfg.JWKSMinRefreshSeconds) * time.Second,
		MaxIssuers:    256,
		FetchTimeout:  time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
		FetchMaxBytes: 1 << 20,
	})

	var replayStore *replay.Store
	if !cfg.UnsafeAllowNoReplay {
		replayStore, err = replay.New(cfg.ReplayCapacity)
		if err != nil {
			slog.Error("failed to create replay store", "err", err)
			os.Exit(1)
		}
	}

	limiter := ratelimit.New(
		ratelimit.Tier{Limit: cfg.RateLimitAnonLimit, Window: cfg.RateLimitAnonWindow},
		ratelimit.Tier{Limit: cfg.RateLimitKeyedLimit, Window: cfg.RateLimitKeyedWindow},
	)

	knownTags := make(map[string]bool, len(cfg.KnownTags))
	for _, t := range cfg.KnownTags {
		knownTags[t] = true
	}

	eng := engine.New(engine.Config{
		Mode:                engine.Mode(cfg.Mode),
		BypassPaths:         cfg.BypassPaths,
		Audience:            cfg.Audience,
		MaxClockSkew:        time.Duration(cfg.MaxClockSkewSeconds) * time.Second,
		MaxTapWindow:        time.Duration(cfg.MaxTapWindowSeconds) * time.Second,
		KnownTags:           knownTags,
		AllowUnknownTags:    cfg.UnsafeAllowUnknownTags,
		RequireReceiptExp:   true,
		AllowlistConfigured: len(cfg.IssuerAllowlist) > 0 || cfg.UnsafeAllowAnyIssuer,
		AllowNoReplay:       cfg.UnsafeAllowNoReplay,
		PointerMaxBytes:     cfg.PointerMaxBytes,
		PointerTimeout:      time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
	}, resolver, replayStore, limiter, upstream)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("gateway starting",
		"addr", addr,
		"upstream", cfg.UpstreamURL,
		"mode", cfg.Mode,
		"issuers", len(cfg.IssuerAllowlist),
	)

	if err := http.ListenAndServe(addr, eng); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
