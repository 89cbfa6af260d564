package clientip

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

var trustForwarded atomic.Bool

// TrustForwardedHeaders makes RealClientIP honour X-Forwarded-For and
// X-Real-IP. Enable only behind a proxy that overwrites those headers.
func TrustForwardedHeaders(on bool) {
	trustForwarded.Store(on)
}

// RealClientIP returns the client IP from the request. Uses r.RemoteAddr
// unless forwarded headers are trusted.
func RealClientIP(r *http.Request) string {
	if trustForwarded.Load() {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}
