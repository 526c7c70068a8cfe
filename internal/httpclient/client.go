// Package httpclient builds the HTTP client used to talk to the publishing
// API. Requests to loopback, private or otherwise special addresses are refused
// unless explicitly allowed, since pds_host comes from user configuration.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/autopost/errors"
)

// ErrBlocked marks requests refused by the address guard
var ErrBlocked = errors.New("request blocked by address guard")

// Options configures New
type Options struct {
	AllowPrivate bool // permit loopback and private addresses
	MaxRedirects int  // default 10
	Base         http.RoundTripper
}

// New returns an http.Client whose transport checks every request, including
// redirects, before it leaves the process.
func New(timeout time.Duration, opts Options) *http.Client {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	g := &guard{allowPrivate: opts.AllowPrivate}

	base := opts.Base
	if base == nil {
		base = g.transport()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &guardedTransport{guard: g, base: base},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			return errors.Wrap(g.check(req.URL), "redirect blocked")
		},
	}
}

type guard struct {
	allowPrivate bool
}

// transport resolves hosts itself so a name cannot pass check and then
// resolve to a private address at dial time
func (g *guard) transport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if g.allowPrivate {
				return dialer.DialContext(ctx, network, addr)
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Mark(errors.Newf("private IP address blocked: %s", ip), ErrBlocked)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// check validates a URL before any connection is made
func (g *guard) check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Mark(errors.Newf("scheme %q not allowed", u.Scheme), ErrBlocked)
	}

	// http://pds.example@localhost/ style confusion
	if u.User != nil {
		return errors.Mark(errors.New("URL contains userinfo"), ErrBlocked)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if g.allowPrivate {
		return nil
	}
	if isLocalhost(hostname) {
		return errors.Mark(errors.New("localhost access blocked"), ErrBlocked)
	}
	if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
		return errors.Mark(errors.Newf("private IP address blocked: %s", hostname), ErrBlocked)
	}
	return nil
}

type guardedTransport struct {
	guard *guard
	base  http.RoundTripper
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.guard.check(req.URL); err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	return t.base.RoundTrip(req)
}

// ValidateHost checks a configured base URL without making a request
func ValidateHost(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "invalid URL %q", rawURL), errors.ErrInvalidInput)
	}
	return (&guard{allowPrivate: allowPrivate}).check(u)
}

var privateBlocks = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}, // carrier-grade NAT
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
}

// isPrivateIP reports loopback, private, link-local, multicast and reserved ranges
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateBlocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// fec0::/10 site-local, deprecated
	if len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1]&0xc0 == 0xc0 {
		return true
	}
	// 2001:db8::/32 documentation
	return len(ip) == net.IPv6len && ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
