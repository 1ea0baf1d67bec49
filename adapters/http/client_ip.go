package authhttp

import (
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
)

// ClientIPFunc determines the client IP used for rate limiting.
//
// Returning an empty string means "unknown" and causes rate limiting to fail open.
type ClientIPFunc func(r *http.Request) string

// DefaultClientIP uses RemoteAddr only when it is a public address. A
// private or loopback peer is most likely a reverse proxy, and limiting it
// would throttle every user behind it at once.
func DefaultClientIP() ClientIPFunc {
	return func(r *http.Request) string {
		a, ok := peerAddr(r)
		if !ok || !isPublicAddr(a) {
			return ""
		}
		return a.String()
	}
}

// ClientIPFromForwardedHeaders trusts CF-Connecting-IP, then the left-most
// X-Forwarded-For entry, but only when the immediate peer is inside
// trustedProxies. Otherwise it behaves like DefaultClientIP.
func ClientIPFromForwardedHeaders(trustedProxies []netip.Prefix) ClientIPFunc {
	fallback := DefaultClientIP()
	return func(r *http.Request) string {
		peer, ok := peerAddr(r)
		if !ok {
			return ""
		}
		trusted := slices.ContainsFunc(trustedProxies, func(p netip.Prefix) bool { return p.Contains(peer) })
		if trusted {
			if a, ok := publicHeaderAddr(r.Header.Get("CF-Connecting-IP")); ok {
				return a.String()
			}
			xff, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
			if a, ok := publicHeaderAddr(xff); ok {
				return a.String()
			}
		}
		return fallback(r)
	}
}

// ParseTrustedProxies parses CIDR prefixes or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func publicHeaderAddr(v string) (netip.Addr, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return netip.Addr{}, false
	}
	a, err := netip.ParseAddr(v)
	if err != nil || !isPublicAddr(a) {
		return netip.Addr{}, false
	}
	return a, true
}

func peerAddr(r *http.Request) (netip.Addr, bool) {
	if r == nil || r.RemoteAddr == "" {
		return netip.Addr{}, false
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		host = h
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func isPublicAddr(a netip.Addr) bool {
	if !a.IsValid() {
		return false
	}
	return !(a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalMulticast() || a.IsLinkLocalUnicast() ||
		a.IsMulticast() || a.IsUnspecified())
}
