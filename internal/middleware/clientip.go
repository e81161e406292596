package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies are the networks whose X-Forwarded-For and X-Real-IP
// headers are believed. Requests from anywhere else are identified by their
// socket address only.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies accepts CIDR blocks or bare IPs.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (t TrustedProxies) trusts(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range t {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address. Forwarding headers are only read
// when the connection comes from a trusted proxy, and X-Forwarded-For is
// walked from the right so a client cannot prepend its own entries.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	ip := remoteIP(r)
	if !t.trusts(ip) {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !t.trusts(hop) {
				return hop
			}
			ip = hop
		}
		return ip
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	return ip
}

// remoteIP is the host part of the connection's address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
