// Package security checks the backend address before any credentials are
// sent to it.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnsafeURL = errors.New("unsafe backend url")

// URLPolicy relaxes CheckBackendURL for local development backends.
type URLPolicy struct {
	AllowHTTP          bool
	AllowLocalNetworks bool
}

// Insecure permits plain http and local targets, as used by test backends.
func Insecure() URLPolicy {
	return URLPolicy{AllowHTTP: true, AllowLocalNetworks: true}
}

// CheckBackendURL rejects schemes other than https (and http when allowed) and,
// unless allowed, hosts on the local machine or a private network. IP literals
// are checked without resolving names.
func CheckBackendURL(raw string, p URLPolicy) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrUnsafeURL, "could not parse %q", raw)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return errors.Wrap(ErrUnsafeURL, "plain http is not allowed")
		}
	default:
		return errors.Wrapf(ErrUnsafeURL, "scheme %q is not supported", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.Wrap(ErrUnsafeURL, "missing host")
	}
	if p.AllowLocalNetworks {
		return checkIP(host, p)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return errors.Wrapf(ErrUnsafeURL, "local host %q", host)
	}
	return checkIP(host, p)
}

func checkIP(host string, p URLPolicy) error {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" && !p.AllowLocalNetworks {
		return errors.Wrapf(ErrUnsafeURL, "zoned address %q", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Wrapf(ErrUnsafeURL, "address %q", host)
	}
	if p.AllowLocalNetworks {
		return nil
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return errors.Wrapf(ErrUnsafeURL, "local network address %q", host)
	}
	return nil
}
