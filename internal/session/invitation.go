package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrBadInvitation is returned for an invitation that is not an address.
var ErrBadInvitation = errors.New("invalid invitation")

// ResolveInvitation turns an invitation code into a host base URL. Bare
// hosts get https, or http for onion addresses.
func ResolveInvitation(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty", ErrBadInvitation)
	}
	if !strings.Contains(code, "://") {
		host, _, _ := strings.Cut(code, "/")
		if isOnion(host) {
			code = "http://" + code
		} else {
			code = "https://" + code
		}
	}
	u, err := url.Parse(code)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadInvitation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrBadInvitation, u.Scheme)
	}
	if u.Hostname() == "" || strings.ContainsAny(u.Host, " \t") {
		return "", fmt.Errorf("%w: missing host", ErrBadInvitation)
	}
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

func isOnion(host string) bool {
	h := host
	if i := strings.LastIndex(h, ":"); i >= 0 {
		h = h[:i]
	}
	return strings.HasSuffix(strings.ToLower(h), ".onion")
}

// IsOnion reports whether address points at an onion service.
func IsOnion(address string) bool {
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Hostname()), ".onion")
}
