/*
Kumo MTA - High-throughput outbound SMTP mail transfer agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Kumo MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package dns

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/KumoCorp/kumomta/framework/exterrors"
)

// MailExchanger describes the resolved MX host set of a destination domain.
type MailExchanger struct {
	DomainName string

	// Hosts ordered by (preference ascending, hostname lexicographic).
	Hosts []string

	// SiteName is the factored representation of Hosts. Two domains that
	// share the same host set in the same order share a site name and thus
	// a ready queue.
	SiteName string

	// Expires is when this answer should be discarded from the cache.
	Expires time.Time
}

// IsNullMX reports whether the domain explicitly declined mail service
// (RFC 7505 "." MX).
func (mx *MailExchanger) IsNullMX() bool {
	return len(mx.Hosts) == 1 && mx.Hosts[0] == "."
}

// ResolvedAddress pairs an MX host name with one of its addresses.
type ResolvedAddress struct {
	Name string     `json:"name"`
	Addr net.IPAddr `json:"addr"`
}

// MXResolver resolves and caches MailExchanger values.
//
// Since the stub resolver interface does not expose record TTLs, cache
// entries use the configured CacheTTL instead of the answer TTL.
type MXResolver struct {
	Resolver Resolver

	// CacheTTL bounds how long resolved answers are reused. Zero disables
	// caching.
	CacheTTL time.Duration

	mxCache *lruTTL[*MailExchanger]
	ipCache *lruTTL[[]net.IPAddr]
}

func NewMXResolver(r Resolver, cacheTTL time.Duration) *MXResolver {
	return &MXResolver{
		Resolver: r,
		CacheTTL: cacheTTL,
		mxCache:  newLruTTL[*MailExchanger](64 * 1024),
		ipCache:  newLruTTL[[]net.IPAddr](1024),
	}
}

// ResolveMX obtains the MailExchanger for the domain.
//
// Domains without MX records synthesize a single-host MX using the domain
// itself, provided the domain has an address record. NXDOMAIN of the domain
// itself is a permanent error.
func (r *MXResolver) ResolveMX(ctx context.Context, domain string) (*MailExchanger, error) {
	domain = FQDN(domain)

	if r.CacheTTL != 0 {
		if mx, ok := r.mxCache.Get(domain); ok {
			return mx, nil
		}
	}

	hosts, err := r.lookupMXHosts(ctx, domain)
	if err != nil {
		return nil, err
	}

	mx := &MailExchanger{
		DomainName: domain,
		Hosts:      hosts,
		SiteName:   FactorNames(hosts),
		Expires:    time.Now().Add(r.CacheTTL),
	}
	if mx.IsNullMX() {
		mx.SiteName = ""
	}

	if r.CacheTTL != 0 {
		r.mxCache.Insert(domain, mx, mx.Expires)
	}
	return mx, nil
}

func (r *MXResolver) lookupMXHosts(ctx context.Context, domain string) ([]string, error) {
	records, err := r.Resolver.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if asDNSErr(err, &dnsErr) && dnsErr.IsNotFound {
			// No MX RRset: fall back to the implicit MX if the domain
			// resolves to an address at all.
			if _, ipErr := r.LookupAddrs(ctx, domain); ipErr != nil {
				return nil, exterrors.WrapDNSErr(err)
			}
			return []string{domain}, nil
		}
		return nil, exterrors.WrapDNSErr(err)
	}
	if len(records) == 0 {
		return []string{domain}, nil
	}

	// Order by preference; hosts within one preference level are sorted by
	// name to produce the overall ordered host list for the site.
	sorted := make([]*net.MX, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Pref != sorted[j].Pref {
			return sorted[i].Pref < sorted[j].Pref
		}
		return FQDN(sorted[i].Host) < FQDN(sorted[j].Host)
	})

	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		host := FQDN(mx.Host)
		if host == "" {
			// RFC 7505 null MX is the root label.
			host = "."
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// LookupAddrs resolves the A/AAAA records for an MX host, with caching.
func (r *MXResolver) LookupAddrs(ctx context.Context, host string) ([]net.IPAddr, error) {
	host = FQDN(host)

	if r.CacheTTL != 0 {
		if addrs, ok := r.ipCache.Get(host); ok {
			return addrs, nil
		}
	}

	addrs, err := r.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, exterrors.WrapDNSErr(err)
	}

	if r.CacheTTL != 0 {
		r.ipCache.Insert(host, addrs, time.Now().Add(r.CacheTTL))
	}
	return addrs, nil
}

// ResolveAddresses expands the MX host list into the flat address list used
// by the dispatcher, preserving host order. Unresolvable hosts are skipped.
func (r *MXResolver) ResolveAddresses(ctx context.Context, mx *MailExchanger) []ResolvedAddress {
	var result []ResolvedAddress
	for _, host := range mx.Hosts {
		// '.' is a null MX; skip trying to resolve it.
		if host == "." {
			continue
		}
		addrs, err := r.LookupAddrs(ctx, host)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			result = append(result, ResolvedAddress{Name: host, Addr: addr})
		}
	}
	return result
}

func asDNSErr(err error, target **net.DNSError) bool {
	for err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			*target = dnsErr
			return true
		}
		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrap.Unwrap()
	}
	return false
}
