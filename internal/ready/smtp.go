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

package ready

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/framework/exterrors"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/smtpconn"
)

// SMTPConnector opens sessions to the MX hosts of the queue's routing
// domain. Each connection starts at a per-queue round-robin offset into the
// flat address list of all MX hosts; the rotation does not distinguish
// preference levels, so lower-preference hosts also take starting turns.
type SMTPConnector struct {
	Resolver *dns.MXResolver

	// Hostname used in EHLO.
	Hostname string

	mu       sync.Mutex
	rotation map[string]*uint32
}

func (c *SMTPConnector) Name() string {
	return "Smtp"
}

func (c *SMTPConnector) nextOffset(key string) uint32 {
	c.mu.Lock()
	counter, ok := c.rotation[key]
	if !ok {
		if c.rotation == nil {
			c.rotation = map[string]*uint32{}
		}
		counter = new(uint32)
		c.rotation[key] = counter
	}
	c.mu.Unlock()
	return atomic.AddUint32(counter, 1) - 1
}

func (c *SMTPConnector) Connect(ctx context.Context, q *Queue) (Session, error) {
	path := q.PathConfig()

	mx, err := c.Resolver.ResolveMX(ctx, q.config.RoutingDomain)
	if err != nil {
		return nil, err
	}
	if mx.IsNullMX() {
		return nil, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      fmt.Sprintf("domain %s does not accept mail (NULL MX)", mx.DomainName),
		}
	}

	addresses := c.Resolver.ResolveAddresses(ctx, mx)
	if len(addresses) == 0 {
		return nil, exterrors.WithTemporary(
			fmt.Errorf("no usable addresses for %s", mx.DomainName), true)
	}

	// Round-robin the starting point among the candidate addresses, then
	// walk the rest on connection failure.
	offset := int(c.nextOffset(q.Name()) % uint32(len(addresses)))

	var lastErr error
	for i := 0; i < len(addresses); i++ {
		candidate := addresses[(offset+i)%len(addresses)]

		conn := smtpconn.New()
		conn.Hostname = c.Hostname
		conn.Timeouts = path.Timeouts
		conn.Log = q.config.Log

		addr := net.JoinHostPort(candidate.Addr.IP.String(), strconv.Itoa(path.SmtpPort))
		if err := conn.Connect(ctx, addr, path.EnableTLS, candidate.Name); err != nil {
			lastErr = err
			continue
		}

		if path.SmtpAuthPlainUsername != "" {
			if err := conn.Auth(ctx, path.SmtpAuthPlainUsername, path.SmtpAuthPlainPassword); err != nil {
				conn.Close()
				return nil, err
			}
		}

		peer := candidate
		return &smtpSession{conn: conn, peer: &peer}, nil
	}
	return nil, lastErr
}

type smtpSession struct {
	conn *smtpconn.C
	peer *dns.ResolvedAddress
}

// DeliverBatch runs MAIL FROM, RCPT TO per recipient and DATA. RCPT
// failures are per-recipient statuses; MAIL and DATA failures are
// session-level since they cover every accepted recipient.
func (s *smtpSession) DeliverBatch(ctx context.Context, msg *message.Message, recipients []string) ([]RecipientStatus, error) {
	if err := msg.LoadDataIfNeeded(ctx); err != nil {
		return nil, err
	}

	if err := s.conn.Mail(ctx, msg.Sender()); err != nil {
		return nil, err
	}

	statuses := make([]RecipientStatus, 0, len(recipients))
	accepted := 0
	for _, recipient := range recipients {
		err := s.conn.Rcpt(ctx, recipient)
		statuses = append(statuses, RecipientStatus{Recipient: recipient, Err: err})
		if err == nil {
			accepted++
		}
	}

	if accepted == 0 {
		// Nothing to send; reset so the session stays usable.
		s.conn.Rset(ctx)
		return statuses, nil
	}

	if err := s.conn.Data(ctx, bytes.NewReader(msg.Data())); err != nil {
		return statuses, err
	}

	return statuses, nil
}

func (s *smtpSession) Peer() *dns.ResolvedAddress {
	return s.peer
}

func (s *smtpSession) TLSInfo() *TLSInfo {
	if !s.conn.DidTLS() {
		return nil
	}
	return &TLSInfo{ProtocolVersion: "TLS"}
}

func (s *smtpSession) Close() error {
	return s.conn.Close()
}
