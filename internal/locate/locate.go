// Package locate resolves a one-shot approximate position for a client.
package locate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/mapmark/annotator/pkg/core"
)

// ErrUnavailable means no position could be determined. Callers keep their
// current view.
var ErrUnavailable = errors.New("position unavailable")

// Locator looks up a position for an IP address.
type Locator interface {
	Locate(ctx context.Context, ip net.IP) (core.Coordinate, error)
}

// Func adapts a function to Locator.
type Func func(ctx context.Context, ip net.IP) (core.Coordinate, error)

// Locate calls f.
func (f Func) Locate(ctx context.Context, ip net.IP) (core.Coordinate, error) {
	return f(ctx, ip)
}

// Nop never finds a position.
type Nop struct{}

// Locate always returns ErrUnavailable.
func (Nop) Locate(context.Context, net.IP) (core.Coordinate, error) {
	return core.Coordinate{}, ErrUnavailable
}

// GeoIP looks positions up in a MaxMind City database.
type GeoIP struct {
	reader *geoip2.Reader
}

// Open loads the database at path.
func Open(path string) (*GeoIP, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &GeoIP{reader: reader}, nil
}

// Locate returns the city-level position of ip. Private and unknown
// addresses yield ErrUnavailable.
func (g *GeoIP) Locate(ctx context.Context, ip net.IP) (core.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return core.Coordinate{}, err
	}
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return core.Coordinate{}, ErrUnavailable
	}

	city, err := g.reader.City(ip)
	if err != nil {
		return core.Coordinate{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if city.Location.Latitude == 0 && city.Location.Longitude == 0 {
		return core.Coordinate{}, ErrUnavailable
	}
	return core.Coordinate{Lng: city.Location.Longitude, Lat: city.Location.Latitude}, nil
}

// Close releases the database.
func (g *GeoIP) Close() error {
	return g.reader.Close()
}

// Proxies is the set of reverse proxies whose forwarding headers are believed.
// A nil *Proxies trusts nobody.
type Proxies struct {
	nets []*net.IPNet
}

// NewProxies parses CIDRs or bare addresses.
func NewProxies(entries []string) (*Proxies, error) {
	p := &Proxies{}
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
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			p.nets = append(p.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
		}
		p.nets = append(p.nets, n)
	}
	return p, nil
}

// Trusted reports whether ip belongs to a trusted proxy.
func (p *Proxies) Trusted(ip net.IP) bool {
	if p == nil || ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the connection's remote address. Only when that peer is a
// trusted proxy are the common forwarding headers consulted.
func (p *Proxies) ClientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	remote := net.ParseIP(host)
	if !p.Trusted(remote) {
		return remote
	}

	h := r.Header
	candidates := []string{
		firstListed(h.Get("X-Forwarded-For")),
		h.Get("CF-Connecting-IP"),
		h.Get("X-Real-IP"),
		forwardedFor(h.Get("Forwarded")),
	}
	for _, c := range candidates {
		if ip := net.ParseIP(strings.TrimSpace(c)); ip != nil {
			return ip
		}
	}
	return remote
}

func firstListed(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return first
}

// forwardedFor extracts the first for= parameter of an RFC 7239 header.
func forwardedFor(v string) string {
	i := strings.Index(strings.ToLower(v), "for=")
	if i < 0 {
		return ""
	}
	y := v[i+4:]
	if p := strings.IndexAny(y, ";,"); p >= 0 {
		y = y[:p]
	}
	y = strings.Trim(y, "\" ")
	// IPv6 is bracketed, optionally with a port.
	if strings.HasPrefix(y, "[") {
		if end := strings.IndexByte(y, ']'); end > 0 {
			return y[1:end]
		}
	}
	if host, _, err := net.SplitHostPort(y); err == nil {
		return host
	}
	return y
}
