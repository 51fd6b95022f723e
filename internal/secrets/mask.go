package secrets

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameters whose values never belong in logs.
var sensitiveParams = []string{"api_key", "access_token", "session_id", "guest_session_id"}

// Mask returns a masked version of a secret string for safe logging.
// Secrets longer than 8 chars keep their first 4 characters, shorter ones
// become "***".
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..."
}

// MaskURL hides the password in the userinfo part and the values of
// credential-bearing query parameters such as api_key.
func MaskURL(rawURL string) string {
	if rawURL == "" || !strings.Contains(rawURL, "://") {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	masked := false
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
			masked = true
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for _, p := range sensitiveParams {
			if q.Has(p) {
				q.Set(p, "***")
				masked = true
			}
		}
		if masked {
			u.RawQuery = q.Encode()
		}
	}
	if !masked {
		return rawURL
	}
	// keep the asterisks readable
	return strings.ReplaceAll(u.String(), "%2A%2A%2A", "***")
}
