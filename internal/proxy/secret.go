package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// Secret is a validated proxy credential bundle. Immutable once built;
// the manager replaces it wholesale on refresh, never mutates it.
type Secret struct {
	Provider   string
	Host       string
	Port       int
	Username   string
	Password   string
	GeoEnabled bool
	Country    string
	Version    int
}

// String renders the secret with credentials elided. Secret never renders
// its password anywhere, including here.
func (s Secret) String() string {
	user := s.Username
	if len(user) > 3 {
		user = user[:3] + "…"
	}
	return fmt.Sprintf("proxy secret provider=%s host=%s:%d user=%s version=%d",
		s.Provider, s.Host, s.Port, user, s.Version)
}

var requiredFields = []string{"provider", "host", "port", "username", "password"}

// ValidateSecret parses a raw secret bundle and rejects malformed secrets
// before any network call. Pure; no side effects.
func ValidateSecret(raw map[string]any) (Secret, error) {
	for _, field := range requiredFields {
		v, ok := raw[field]
		if !ok || v == nil {
			return Secret{}, &ValidationError{Field: field, Reason: "is missing"}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return Secret{}, &ValidationError{Field: field, Reason: "is blank"}
		}
	}

	host, _ := raw["host"].(string)
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return Secret{}, &ValidationError{Field: "host", Reason: "must not carry a URI scheme"}
	}

	password, _ := raw["password"].(string)
	if isPreEncoded(password) {
		return Secret{}, &ValidationError{Field: "password", Reason: "appears pre-URL-encoded; store the raw value"}
	}

	port, err := asInt(raw["port"])
	if err != nil || port <= 0 {
		return Secret{}, &ValidationError{Field: "port", Reason: "must be a positive integer"}
	}

	secret := Secret{
		Provider: stringField(raw, "provider"),
		Host:     host,
		Port:     port,
		Username: stringField(raw, "username"),
		Password: password,
		Version:  1,
	}
	if geo, ok := raw["geo_enabled"].(bool); ok {
		secret.GeoEnabled = geo
	}
	if country, ok := raw["country"].(string); ok {
		secret.Country = country
	}
	if version, err := asInt(raw["version"]); err == nil && version > 0 {
		secret.Version = version
	}
	return secret, nil
}

// isPreEncoded runs the encode(decode(x)) == x identity check: a password
// that decodes to something different but re-encodes to the original was
// stored already percent-encoded and would get double-encoded downstream.
// PathUnescape, not QueryUnescape: a literal "+" in a password must stay
// a "+".
func isPreEncoded(password string) bool {
	if !strings.Contains(password, "%") {
		return false
	}
	decoded, err := url.PathUnescape(password)
	if err != nil {
		// A bare % that is not an escape sequence; the raw value is fine.
		return false
	}
	return decoded != password && escapeUserinfo(decoded) == password
}

// escapeUserinfo percent-encodes s for the userinfo position of a proxy
// URL. Everything outside the RFC 3986 unreserved set is encoded: space
// becomes %20 (never "+", that is form encoding) and "+" becomes %2B, so
// the identity check in isPreEncoded catches conventionally quoted
// values and the URL builder round-trips every raw password exactly.
func escapeUserinfo(s string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}
