package hostnames

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Normalize converts a hostname to its canonical ASCII lower-case form.
// - Trims spaces
// - Drops a trailing dot
// - Applies IDNA Lookup ToASCII mapping
// - Lower-cases the result
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	host = strings.TrimSuffix(host, ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		ascii = host
	}
	return strings.ToLower(ascii)
}

// NormalizeAddress normalizes the host part of a server address, which is
// either "host:port" or a ws:// or wss:// URL. The port is required.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", fmt.Errorf("invalid server url %q: %w", addr, err)
		}
		host := Normalize(u.Hostname())
		if host == "" {
			return "", fmt.Errorf("server url %q has no host", addr)
		}
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(host, port)
		} else {
			u.Host = host
		}
		return u.String(), nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	host = Normalize(host)
	if host == "" || port == "" {
		return "", fmt.Errorf("server address %q needs both host and port", addr)
	}
	return net.JoinHostPort(host, port), nil
}
