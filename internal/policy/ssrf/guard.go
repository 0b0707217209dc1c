// Package ssrf rejects URLs that would point the fetcher at internal or reserved network targets.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/errcode"
)

// ErrBlocked is returned when a URL violates the policy.
var ErrBlocked = errors.New("url blocked by policy")

const maxRedirects = 10

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config controls the guard.
type Config struct {
	// AllowPrivate disables the address-range checks. Development only.
	AllowPrivate  bool
	AllowedHosts  []string
	DeniedHosts   []string
	CacheTTL      time.Duration
	LookupTimeout time.Duration
}

// Guard validates URLs against the SSRF policy.
type Guard struct {
	cfg      Config
	resolver Resolver
	verdicts *gocache.Cache
	allowed  map[string]struct{}
	denied   map[string]struct{}
	logger   *zap.Logger
}

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

var blockedHostSuffixes = []string{".localhost", ".local", ".internal", ".localdomain"}

var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata":                 {},
	"metadata.google.internal": {},
}

// New builds a Guard. A nil resolver uses net.DefaultResolver.
func New(cfg Config, resolver Resolver, logger *zap.Logger) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	return &Guard{
		cfg:      cfg,
		resolver: resolver,
		verdicts: gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		allowed:  hostSet(cfg.AllowedHosts),
		denied:   hostSet(cfg.DeniedHosts),
		logger:   logger,
	}
}

// IsAllowed reports whether rawURL passes the policy.
func (g *Guard) IsAllowed(ctx context.Context, rawURL string) bool {
	return g.Check(ctx, rawURL) == nil
}

// Check returns nil when rawURL may be fetched. Malformed URLs wrap errcode.ErrInvalidURL;
// policy violations wrap ErrBlocked. Resolution failures are not violations.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", errcode.ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrBlocked, u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", errcode.ErrInvalidURL)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", ErrBlocked)
	}
	if _, ok := g.denied[host]; ok {
		return fmt.Errorf("%w: host %s denied", ErrBlocked, host)
	}
	if _, ok := g.allowed[host]; ok || g.cfg.AllowPrivate {
		return nil
	}
	if _, ok := blockedHosts[host]; ok {
		return fmt.Errorf("%w: host %s", ErrBlocked, host)
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: host %s", ErrBlocked, host)
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: address %s is not public", ErrBlocked, addr)
		}
		return nil
	}
	if numericHost(host) {
		// Browsers accept decimal, octal and hex IPv4 forms that netip rejects.
		return fmt.Errorf("%w: non-canonical numeric host %s", ErrBlocked, host)
	}
	return g.checkResolved(ctx, host)
}

// CheckRedirect is an http.Client redirect hook that applies Check to every hop.
func (g *Guard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return g.Check(req.Context(), req.URL.String())
}

func numericHost(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return false
		}
		digits := label
		if strings.HasPrefix(label, "0x") {
			digits = label[2:]
			if strings.Trim(digits, "0123456789abcdef") != "" {
				return false
			}
			continue
		}
		if strings.Trim(digits, "0123456789") != "" {
			return false
		}
	}
	return true
}

func (g *Guard) checkResolved(ctx context.Context, host string) error {
	if cached, ok := g.verdicts.Get(host); ok {
		if reason, _ := cached.(string); reason != "" {
			return fmt.Errorf("%w: %s", ErrBlocked, reason)
		}
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil {
		// Unresolvable hosts fail later as NETWORK_ERROR; they cannot reach an internal target.
		g.logger.Debug("policy lookup failed", zap.String("host", host), zap.Error(err))
		return nil
	}
	reason := ""
	for _, addr := range addrs {
		if blockedAddr(addr) {
			reason = fmt.Sprintf("host %s resolves to non-public address %s", host, addr)
			break
		}
	}
	g.verdicts.SetDefault(host, reason)
	if reason != "" {
		return fmt.Errorf("%w: %s", ErrBlocked, reason)
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() ||
		addr.IsInterfaceLocalMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

func hostSet(hosts []string) map[string]struct{} {
	out := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			out[h] = struct{}{}
		}
	}
	return out
}
