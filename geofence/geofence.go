// Package geofence admits front door requests by client network or country.
package geofence

import (
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"inet.af/netaddr"
)

// Countries resolves an address to an ISO 3166 country code, "" when unknown.
type Countries interface {
	Country(ip netaddr.IP) (string, error)
	Close() error
}

// GeoIP reads countries from a MaxMind database (GeoLite2-Country or -City).
type GeoIP struct {
	db *maxminddb.Reader
}

// OpenGeoIP opens the MaxMind database at path.
func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open geoip database %s", path)
	}
	return &GeoIP{db: db}, nil
}

func (g *GeoIP) Country(ip netaddr.IP) (string, error) {
	var rec struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := g.db.Lookup(ip.IPAddr().IP, &rec); err != nil {
		return "", errors.Wrap(err, "geoip lookup")
	}
	return rec.Country.ISOCode, nil
}

func (g *GeoIP) Close() error {
	return g.db.Close()
}

// Fence decides which clients may use the front door.
type Fence struct {
	networks   *netaddr.IPSet
	countries  map[string]bool
	geo        Countries
	trustProxy bool
	logger     *log.Logger
	decisions  *prometheus.CounterVec
}

// The Option type describes functions that operate on Fence during New.
type Option func(*Fence)

// Networks admits clients inside any of cidrs.
func Networks(set *netaddr.IPSet) Option {
	return func(f *Fence) {
		f.networks = set
	}
}

// AllowCountries admits clients whose GeoIP country is one of codes.
func AllowCountries(geo Countries, codes ...string) Option {
	return func(f *Fence) {
		f.geo = geo
		for _, c := range codes {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				f.countries[c] = true
			}
		}
	}
}

// TrustProxy takes the client address from the first X-Forwarded-For hop.
func TrustProxy(trust bool) Option {
	return func(f *Fence) {
		f.trustProxy = trust
	}
}

// Logger will set the logger used to log rejected clients.
func Logger(l log.Logger) Option {
	return func(f *Fence) {
		f.logger = &l
	}
}

// Decisions counts admissions, it must have a "decision" label.
func Decisions(cv *prometheus.CounterVec) Option {
	return func(f *Fence) {
		f.decisions = cv
	}
}

// New returns a Fence. A Fence with no networks and no countries admits everyone.
func New(opts ...Option) *Fence {
	f := &Fence{countries: map[string]bool{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ParseNetworks builds an IPSet from a comma separated list of CIDRs or
// single addresses.
func ParseNetworks(list string) (*netaddr.IPSet, error) {
	var b netaddr.IPSetBuilder
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip, err := netaddr.ParseIP(s)
			if err != nil {
				return nil, errors.Wrapf(err, "parse address %q", s)
			}
			b.Add(ip)
			continue
		}
		p, err := netaddr.ParseIPPrefix(s)
		if err != nil {
			return nil, errors.Wrapf(err, "parse network %q", s)
		}
		b.AddPrefix(p)
	}
	return b.IPSet()
}

// Enabled reports whether the fence restricts anything.
func (f *Fence) Enabled() bool {
	return f.networks != nil || len(f.countries) > 0
}

// ClientIP returns the address of the client that sent r.
func (f *Fence) ClientIP(r *http.Request) (netaddr.IP, bool) {
	if f.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip, err := netaddr.ParseIP(first); err == nil {
				return ip.Unmap(), true
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := netaddr.ParseIP(host)
	if err != nil {
		return netaddr.IP{}, false
	}
	return ip.Unmap(), true
}

// Admit reports whether ip may pass.
func (f *Fence) Admit(ip netaddr.IP) bool {
	if !f.Enabled() {
		return true
	}
	if f.networks != nil && f.networks.Contains(ip) {
		return true
	}
	if len(f.countries) == 0 || f.geo == nil {
		return false
	}
	country, err := f.geo.Country(ip)
	if err != nil {
		if f.logger != nil {
			f.logger.With("ip", ip.String()).Error(err)
		}
		return false
	}
	return f.countries[country]
}

func (f *Fence) count(decision string) {
	if f.decisions != nil {
		f.decisions.With(prometheus.Labels{"decision": decision}).Inc()
	}
}

// Handler wraps next, answering 403 to clients the fence does not admit.
func (f *Fence) Handler(next http.Handler) http.Handler {
	if !f.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, ok := f.ClientIP(r)
		if !ok || !f.Admit(ip) {
			f.count("rejected")
			if f.logger != nil {
				f.logger.With("remote", r.RemoteAddr, "path", r.URL.Path).Info("client rejected by geofence")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"success":false,"error":"access denied from this location"}`))
			return
		}
		f.count("admitted")
		next.ServeHTTP(w, r)
	})
}
