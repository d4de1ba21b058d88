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

package exterrors

import (
	"errors"
	"net"
)

type dnsTempErr struct {
	*net.DNSError
}

// Temporary treats NXDOMAIN for a recipient domain as a permanent failure,
// everything else (SERVFAIL, timeouts, refused) as temporary.
func (err dnsTempErr) Temporary() bool {
	return !err.DNSError.IsNotFound
}

func (err dnsTempErr) Unwrap() error {
	return err.DNSError
}

// WrapDNSErr attaches the temporary/permanent classification to DNS lookup
// errors per the rules used throughout the delivery pipeline.
func WrapDNSErr(err error) error {
	if err == nil {
		return nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsTempErr{dnsErr}
	}
	return err
}

// UnwrapDNSErr extracts the actual error value from a DNS resolution error,
// along with log fields describing it.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	misc = map[string]interface{}{}

	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return err.Error(), misc
	}

	misc["dns_server"] = dnsErr.Server
	misc["dns_name"] = dnsErr.Name
	misc["dns_not_found"] = dnsErr.IsNotFound

	return dnsErr.Err, misc
}
