package sifcore

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the originating client address of a request. The daemon
// normally sits behind the site's frontend proxy, so the first entry of
// X-Forwarded-For wins when present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
