package crisp

import (
	"crypto/subtle"
	"net/url"
)

// ValidateSecret compares the ?secret= query value against the configured
// webhook secret in constant time. A missing or empty secret on either side
// always fails.
func ValidateSecret(u *url.URL, want string) bool {
	if want == "" {
		return false
	}
	got := u.Query().Get("secret")
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
