// Package validator implements the stateless pre-flight and in-flight
// checks a download must pass: URL/SSRF validation, filename
// sanitization, unique path generation, extension/MIME classification,
// and free-disk-space checks. Every operation here is a pure function
// of its inputs (plus, where noted, the filesystem) — it never mutates
// or depends on the ledger or the transfer engine.
package validator

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const maxURLBytes = 2048

// private IPv4 ranges and the loopback/link-local ranges rejected as SSRF risks.
var blockedIPv4Nets = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
)

// fc00::/7 is the IPv6 unique-local range; ::1 is loopback and handled separately.
var blockedIPv6Nets = mustParseCIDRs("fc00::/7")

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))

	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("validator: invalid CIDR literal %q: %v", c, err))
		}

		nets = append(nets, n)
	}

	return nets
}

// InvalidURLError explains why a candidate download URL was rejected.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

// ValidateURL checks that rawURL is an absolute http(s) URL whose host is
// not a loopback, private, or link-local address. It performs no network
// I/O, so a hostname is checked only against the literal IP forms a
// client might be tricked into dialing directly; a hostname that
// resolves to a blocked address only via DNS is not caught here. The
// Transfer Engine's HTTP client closes that gap at dial time: its
// DialContext resolves the host itself and re-runs ValidateResolvedIP
// against every address returned before connecting to any of them (see
// internal/transfer/http.go's safeDialContext), so a DNS-rebinding
// hostname is rejected on the first connection attempt and every
// redirect hop.
func ValidateURL(rawURL string) error {
	if len(rawURL) > maxURLBytes {
		return &InvalidURLError{URL: truncateForError(rawURL), Reason: fmt.Sprintf("exceeds maximum length of %d bytes", maxURLBytes)}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return &InvalidURLError{URL: rawURL, Reason: "could not be parsed as a URL"}
	}

	if !u.IsAbs() {
		return &InvalidURLError{URL: rawURL, Reason: "must be an absolute URL"}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return &InvalidURLError{URL: rawURL, Reason: fmt.Sprintf("scheme %q is not allowed", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return &InvalidURLError{URL: rawURL, Reason: "missing host"}
	}

	if err := validateHost(host); err != nil {
		return &InvalidURLError{URL: rawURL, Reason: err.Error()}
	}

	return nil
}

func validateHost(host string) error {
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("localhost is not allowed")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Not an IP literal: a registrable hostname. DNS-rebinding-style
		// resolution checks happen at dial time, not here (see ValidateURL).
		return nil
	}

	return ValidateResolvedIP(ip)
}

// ValidateResolvedIP checks ip against the same blocked ranges as the
// literal-host check in ValidateURL (loopback, unspecified, link-local,
// private IPv4, unique-local IPv6). The Transfer Engine's dialer calls
// this against every address a hostname actually resolves to, since
// ValidateURL itself never performs DNS resolution.
func ValidateResolvedIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%s is a loopback or link-local address", ip)
	}

	if ip4 := ip.To4(); ip4 != nil {
		for _, n := range blockedIPv4Nets {
			if n.Contains(ip4) {
				return fmt.Errorf("%s is within the private range %s", ip, n)
			}
		}

		return nil
	}

	for _, n := range blockedIPv6Nets {
		if n.Contains(ip) {
			return fmt.Errorf("%s is within the unique-local range %s", ip, n)
		}
	}

	return nil
}

func truncateForError(s string) string {
	const max = 128
	if len(s) <= max {
		return s
	}

	return s[:max] + "..."
}
