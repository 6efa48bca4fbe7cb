package main

import (
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' while --mode=prod (any site can open signaling sessions)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if host, plain := coordinatorPlainHTTPHost(cfg.CoordinatorURL); plain && !isLoopbackHost(host) {
		logger.Warn("startup security warning: coordinator is reached over plain http on a non-loopback host (SDP and ICE candidates travel unencrypted)",
			"warning_code", "coordinator_plain_http",
			"coordinator_host", host,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (inbound rate limiting disabled)",
			"warning_code", "signaling_rate_limit_disabled",
			"mode", cfg.Mode,
		)
	}

	// Every in-flight exchange holds a coordinator connection for this long.
	if cfg.ForwardTimeout > time.Minute {
		logger.Warn("startup security warning: forward timeout is very large (slow coordinators pin relay resources)",
			"warning_code", "forward_timeout_large",
			"forward_timeout", cfg.ForwardTimeout,
			"mode", cfg.Mode,
		)
	}
}

func coordinatorPlainHTTPHost(raw string) (host string, plain bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return u.Hostname(), strings.EqualFold(u.Scheme, "http")
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
