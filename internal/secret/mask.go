// Package secret masks credentials before they reach logs.
package secret

import (
	"net/url"
	"strings"
)

// Mask hides most of s. Up to 5 characters are fully masked; up to 20 keep
// the first and last character; longer values keep the first 3 and the last.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}

// sensitiveParams are query parameters masked by MaskURL.
var sensitiveParams = []string{"token", "access_token", "key", "api_key", "password", "sentinel_password"}

// MaskURL masks the userinfo password and credential-like query parameters
// of raw. Values that do not parse as URLs are returned unchanged.
func MaskURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), Mask(pw))
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for _, p := range sensitiveParams {
			if v := q.Get(p); v != "" {
				q.Set(p, Mask(v))
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
