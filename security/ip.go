package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address recorded in audit events for r.
//
// trustedProxies is the number of reverse proxies in front of the server.
// Zero ignores forwarding headers entirely, which is the only safe setting
// when the server is reachable directly: X-Forwarded-For is client input.
// Each trusted proxy appends its peer to X-Forwarded-For, so the client is
// the entry trustedProxies positions from the right.
func ClientIP(r *http.Request, trustedProxies int) string {
	if trustedProxies > 0 {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

func forwardedFor(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	i := len(hops) - trustedProxies
	if i < 0 {
		i = 0
	}
	ip := strings.TrimSpace(hops[i])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
