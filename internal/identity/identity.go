// Package identity derives a stable client identifier from an inbound request.
//
// Each strategy is a pure function of the request headers: it never fails and
// never blocks. When a strategy's primary signal is missing or malformed it
// degrades to the network-address chain instead of failing the request.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/stratacore/rategate/internal/request"
)

// Strategy selects how a client is named for rate accounting.
type Strategy uint8

const (
	// NetworkAddress identifies clients by their resolved network address.
	NetworkAddress Strategy = iota
	// SubjectID identifies clients by the subject of a bearer credential.
	SubjectID
	// APIKey identifies clients by a truncated API-key header value.
	APIKey
	// Composite identifies clients by network address plus hashed user agent,
	// differentiating same-IP clients behind NAT without over-fragmenting.
	Composite
)

// API-key header names accepted by the APIKey strategy.
const (
	headerAPIKey    = "X-API-Key"
	headerAPIKeyAlt = "API-Key"
)

// apiKeyPrefixLen bounds how much of an API key is used as identity. The full
// key must never appear in counter keys or logs.
const apiKeyPrefixLen = 16

// tokenFragmentLen bounds the hashed fragment used for opaque bearer tokens.
const tokenFragmentLen = 16

var strategyNames = map[Strategy]string{
	NetworkAddress: "network_address",
	SubjectID:      "subject_id",
	APIKey:         "api_key",
	Composite:      "composite",
}

// String returns the wire name of the strategy.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return NetworkAddress, fmt.Errorf("unknown identifier strategy %q", name)
}

// Extractor derives an identifier from a request. Implementations are pure
// functions of the request headers.
type Extractor func(r *http.Request) string

// ExtractorFor returns the extraction function for the strategy. The selection
// happens once, at policy-compile time, not per request.
func ExtractorFor(s Strategy) Extractor {
	switch s {
	case SubjectID:
		return extractSubject
	case APIKey:
		return extractAPIKey
	case Composite:
		return extractComposite
	default:
		return extractNetworkAddress
	}
}

func extractNetworkAddress(r *http.Request) string {
	return request.ClientIP(r)
}

// extractSubject names the client by the subject claim of a bearer JWT. Opaque
// (non-JWT) tokens are reduced to a truncated hash so the raw credential never
// becomes part of a counter key or log line. Absent tokens degrade to the
// network address.
func extractSubject(r *http.Request) string {
	token := request.BearerToken(r)
	if token == "" {
		return extractNetworkAddress(r)
	}
	if parsed, err := jwt.ParseInsecure([]byte(token)); err == nil {
		if sub := parsed.Subject(); sub != "" {
			return "sub:" + sub
		}
	}
	return "tok:" + hashFragment(token, tokenFragmentLen)
}

func extractAPIKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get(headerAPIKey))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(headerAPIKeyAlt))
	}
	if key == "" {
		return extractNetworkAddress(r)
	}
	if len(key) > apiKeyPrefixLen {
		key = key[:apiKeyPrefixLen]
	}
	return "key:" + key
}

func extractComposite(r *http.Request) string {
	addr := extractNetworkAddress(r)
	ua := r.Header.Get("User-Agent")
	if ua == "" {
		return addr
	}
	return addr + ":ua:" + hashFragment(ua, 16)
}

// hashFragment returns the first n hex characters of the SHA-256 of s.
func hashFragment(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	frag := hex.EncodeToString(sum[:])
	if n > 0 && n < len(frag) {
		frag = frag[:n]
	}
	return frag
}
