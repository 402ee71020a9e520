package guard

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Reason identifies why a destination was rejected.
type Reason string

const (
	ReasonInvalidURL    Reason = "invalid_url"
	ReasonProtocol      Reason = "protocol_not_allowed"
	ReasonInternal      Reason = "internal_address"
	ReasonMetadata      Reason = "cloud_metadata"
	ReasonBlockedDomain Reason = "blocked_domain"
	ReasonNotAllowed    Reason = "not_in_allowlist"
)

// Decision is the outcome of one destination check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Error returns a human readable explanation for a rejection.
func (d Decision) Error() string {
	if d.Allowed {
		return ""
	}
	if d.Detail != "" {
		return fmt.Sprintf("destination blocked (%s): %s", d.Reason, d.Detail)
	}
	return fmt.Sprintf("destination blocked (%s)", d.Reason)
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason, format string, args ...any) Decision {
	return Decision{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"), // AWS, GCP, Azure, OpenStack
	net.ParseIP("100.100.100.200"), // Alibaba
	net.ParseIP("fd00:ec2::254"),   // AWS IPv6
}

var metadataHosts = map[string]bool{
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"metadata":                 true,
	"instance-data":            true,
}

// Ranges not covered by the net.IP predicates.
var internalNets = mustCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"240.0.0.0/4",
)

var hostProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

// Guard decides whether the broker may send a browser to a URL.
// A Guard is immutable after construction and safe for concurrent use.
type Guard struct {
	allowed []string
	blocked []string
}

// New builds a Guard. Entries may be bare hosts ("example.com") or carry a
// leading wildcard ("*.example.com"); both match the host and its subdomains.
func New(allowed, blocked []string) *Guard {
	return &Guard{
		allowed: normalizeList(allowed),
		blocked: normalizeList(blocked),
	}
}

// IsAllowed classifies a candidate navigation URL.
func (g *Guard) IsAllowed(raw string) Decision {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return deny(ReasonInvalidURL, "empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return deny(ReasonInvalidURL, "%v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return deny(ReasonInvalidURL, "missing scheme")
	}
	if scheme != "http" && scheme != "https" {
		return deny(ReasonProtocol, "scheme %q not allowed, only http and https", u.Scheme)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return deny(ReasonInvalidURL, "invalid host: %v", err)
	}
	if host == "" {
		return deny(ReasonInvalidURL, "empty hostname")
	}

	if d := checkInternal(host); !d.Allowed {
		return d
	}

	for _, b := range g.blocked {
		if matchDomain(host, b) {
			return deny(ReasonBlockedDomain, "%s matches deny-list entry %s", host, b)
		}
	}

	if len(g.allowed) == 0 {
		return allow()
	}
	for _, a := range g.allowed {
		if matchDomain(host, a) {
			return allow()
		}
	}
	return deny(ReasonNotAllowed, "%s is not in the allow-list", host)
}

// CheckRequest applies the policy to a request issued from inside a page.
// Websocket schemes map onto their HTTP equivalents; inline schemes that
// never leave the browser are let through.
func (g *Guard) CheckRequest(raw string) Decision {
	i := strings.Index(raw, ":")
	if i <= 0 {
		return g.IsAllowed(raw)
	}
	switch strings.ToLower(raw[:i]) {
	case "data", "blob", "about":
		return allow()
	case "ws":
		return g.IsAllowed("http" + raw[i:])
	case "wss":
		return g.IsAllowed("https" + raw[i:])
	}
	return g.IsAllowed(raw)
}

// RequestFilter adapts the guard to the browser interception layer.
func (g *Guard) RequestFilter() func(rawURL string) (bool, string) {
	return func(rawURL string) (bool, string) {
		d := g.CheckRequest(rawURL)
		return d.Allowed, string(d.Reason)
	}
}

func checkInternal(host string) Decision {
	if metadataHosts[host] {
		return deny(ReasonMetadata, "cloud metadata hostname %s", host)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return deny(ReasonInternal, "loopback hostname %s", host)
	}
	if strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return deny(ReasonInternal, "internal hostname %s", host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ip = parseLooseIPv4(host)
	}
	if ip == nil {
		return allow()
	}
	for _, m := range metadataIPs {
		if ip.Equal(m) {
			return deny(ReasonMetadata, "cloud metadata address %s", ip)
		}
	}
	if reason := blockedIP(ip); reason != "" {
		return deny(ReasonInternal, "%s address %s", reason, ip)
	}
	return allow()
}

func blockedIP(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast():
		return "link-local"
	case ip.IsMulticast(), ip.IsLinkLocalMulticast(), ip.IsInterfaceLocalMulticast():
		return "multicast"
	case ip.IsUnspecified():
		return "unspecified"
	}
	for _, n := range internalNets {
		if n.Contains(ip) {
			return "reserved"
		}
	}
	return ""
}

// parseLooseIPv4 accepts the inet_aton forms browsers resolve without DNS:
// 2130706433, 0x7f000001, 0177.0.0.1, 127.1.
func parseLooseIPv4(host string) net.IP {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return nil
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, ok := parseIPv4Part(p)
		if !ok {
			return nil
		}
		vals[i] = v
	}

	last := len(vals) - 1
	for i := 0; i < last; i++ {
		if vals[i] > 0xff {
			return nil
		}
	}
	if vals[last] >= 1<<(8*uint(4-last)) {
		return nil
	}

	var n uint32
	for i := 0; i < last; i++ {
		n |= uint32(vals[i]) << (24 - 8*uint(i))
	}
	n |= uint32(vals[last])
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func parseIPv4Part(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := uint64(10)
	switch {
	case len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X"):
		base, p = 16, p[2:]
	case len(p) > 1 && p[0] == '0':
		base, p = 8, p[1:]
	}
	var v uint64
	for _, c := range p {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, false
		}
		if d >= base {
			return 0, false
		}
		v = v*base + d
		if v > 0xffffffff {
			return 0, false
		}
	}
	return v, true
}

func normalizeHost(h string) (string, error) {
	h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
	if h == "" || net.ParseIP(h) != nil {
		return h, nil
	}
	return hostProfile.ToASCII(h)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimPrefix(strings.TrimSpace(e), "*")
		e = strings.TrimPrefix(e, ".")
		h, err := normalizeHost(e)
		if err != nil || h == "" {
			continue
		}
		out = append(out, h)
	}
	return out
}

// matchDomain reports an exact host or subdomain match.
func matchDomain(host, entry string) bool {
	return host == entry || strings.HasSuffix(host, "."+entry)
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
