// Package request holds helpers for reading client-supplied request metadata.
package request

import (
	"net"
	"net/http"
	"strings"
)

// Header names consulted when resolving the client network address, in order.
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderRealIP         = "X-Real-IP"
	HeaderCFConnectingIP = "CF-Connecting-IP"
)

// UnknownAddress is returned when no usable network address can be derived.
const UnknownAddress = "unknown"

// ClientIP extracts the client network address from the request. It prefers
// proxy-supplied headers (X-Forwarded-For first entry, then X-Real-IP, then
// CF-Connecting-IP) and falls back to the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
		// X-Forwarded-For can contain multiple IPs (comma-separated);
		// the first one is the original client.
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get(HeaderRealIP)); xri != "" {
		return xri
	}
	if cf := strings.TrimSpace(r.Header.Get(HeaderCFConnectingIP)); cf != "" {
		return cf
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return addr
	}
	return UnknownAddress
}

// BearerToken returns the credential from an "Authorization: Bearer <token>"
// header, or "" when the header is absent or not a bearer scheme.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
