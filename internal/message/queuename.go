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

package message

import (
	"strings"
)

// QueueNameComponents are the parsed parts of a canonical scheduled queue
// name.
type QueueNameComponents struct {
	Campaign      string
	Tenant        string
	Domain        string
	RoutingDomain string
}

// String renders the canonical queue name:
//
//	[campaign:][tenant@]domain[!routing_domain]
//
// Components that are unset are omitted together with their separator, so
// the composition round-trips through ParseQueueName.
func (c QueueNameComponents) String() string {
	var sb strings.Builder
	if c.Campaign != "" {
		sb.WriteString(c.Campaign)
		sb.WriteByte(':')
	}
	if c.Tenant != "" {
		sb.WriteString(c.Tenant)
		sb.WriteByte('@')
	}
	sb.WriteString(strings.ToLower(c.Domain))
	if c.RoutingDomain != "" {
		sb.WriteByte('!')
		sb.WriteString(strings.ToLower(c.RoutingDomain))
	}
	return sb.String()
}

// ParseQueueName splits a canonical queue name back into its components.
func ParseQueueName(name string) QueueNameComponents {
	var c QueueNameComponents
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		c.Campaign = name[:idx]
		name = name[idx+1:]
	}
	if idx := strings.IndexByte(name, '@'); idx >= 0 {
		c.Tenant = name[:idx]
		name = name[idx+1:]
	}
	if idx := strings.IndexByte(name, '!'); idx >= 0 {
		c.RoutingDomain = name[idx+1:]
		name = name[:idx]
	}
	c.Domain = name
	return c
}

// RecipientDomain extracts the domain of an SMTP address, lowercased.
func RecipientDomain(address string) string {
	idx := strings.LastIndexByte(address, '@')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

// QueueName computes the scheduled queue this message belongs to from the
// campaign/tenant/routing_domain metadata keys and the recipient domain.
// An explicit `queue` metadata key overrides the composition entirely.
func (m *Message) QueueName() (string, error) {
	if explicit, err := m.GetMetaString("queue"); err != nil {
		return "", err
	} else if explicit != "" {
		return explicit, nil
	}

	campaign, err := m.GetMetaString("campaign")
	if err != nil {
		return "", err
	}
	tenant, err := m.GetMetaString("tenant")
	if err != nil {
		return "", err
	}
	routing, err := m.GetMetaString("routing_domain")
	if err != nil {
		return "", err
	}

	domain := ""
	if recipients := m.Recipients(); len(recipients) != 0 {
		domain = RecipientDomain(recipients[0])
	}

	return QueueNameComponents{
		Campaign:      campaign,
		Tenant:        tenant,
		Domain:        domain,
		RoutingDomain: routing,
	}.String(), nil
}
