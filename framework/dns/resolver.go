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

// Package dns defines the resolver interface used for outbound routing
// decisions and implements MX resolution with destination site factoring.
//
// The actual resolver implementation is external: anything compatible with
// net.DefaultResolver can be plugged in, including mockdns.Resolver in
// tests.
package dns

import (
	"context"
	"net"
	"strings"
)

// Resolver is an interface that describes the DNS-related methods used for
// outbound delivery.
//
// It is implemented by net.DefaultResolver. Methods behave the same way.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

func DefaultResolver() Resolver {
	return net.DefaultResolver
}

// FQDN normalizes a domain for use as a cache and comparison key: lowercase,
// no trailing dot.
func FQDN(domain string) string {
	return strings.TrimSuffix(strings.ToLower(domain), ".")
}
