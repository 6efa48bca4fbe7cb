// Package origin implements the browser Origin policy applied to WebSocket
// upgrades.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] together with the host[:port] part. Default ports are
// dropped. The opaque origin "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.Opaque != "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether normalizedOrigin may connect to requestHost.
//
// A non-empty allow list is authoritative ("*" matches anything). An empty
// list means same host:port only. Schemes are not compared so a TLS
// terminating proxy in front of the relay does not break same-host checks.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	reqHost, ok := normalizeHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// CheckRequest is a websocket.Upgrader CheckOrigin hook. Requests without an
// Origin header come from non-browser clients and are allowed.
func CheckRequest(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			return true
		}
		normalized, host, ok := NormalizeHeader(header)
		if !ok {
			return false
		}
		return IsAllowed(normalized, host, r.Host, allowedOrigins)
	}
}

func normalizeHost(rawHost, scheme string) (string, bool) {
	rawHost = strings.ToLower(strings.TrimSpace(rawHost))
	if rawHost == "" {
		return "", false
	}

	hostname, port := rawHost, ""
	if h, p, err := net.SplitHostPort(rawHost); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(rawHost, "[") && strings.HasSuffix(rawHost, "]") {
		hostname = rawHost[1 : len(rawHost)-1]
	} else if strings.Contains(rawHost, ":") {
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
