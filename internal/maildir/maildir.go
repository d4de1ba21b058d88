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

// Package maildir implements the Maildir delivery protocol adapter: the
// dispatcher writes messages into a local maildir instead of relaying
// them. It is mostly useful for final-delivery deployments and for test
// sinks.
package maildir

import (
	"context"
	"fmt"

	"github.com/emersion/go-maildir"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/framework/exterrors"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/ready"
)

// Connector delivers into the maildir rooted at Path.
type Connector struct {
	Path string
}

func (c *Connector) Name() string {
	return "Maildir"
}

func (c *Connector) Connect(ctx context.Context, q *ready.Queue) (ready.Session, error) {
	dir := maildir.Dir(c.Path)
	if err := dir.Init(); err != nil {
		return nil, exterrors.WithTemporary(
			fmt.Errorf("maildir: initializing %s: %w", c.Path, err), true)
	}
	return &session{dir: dir}, nil
}

type session struct {
	dir maildir.Dir
}

func (s *session) DeliverBatch(ctx context.Context, msg *message.Message, recipients []string) ([]ready.RecipientStatus, error) {
	if err := msg.LoadDataIfNeeded(ctx); err != nil {
		return nil, err
	}
	data := msg.Data()

	statuses := make([]ready.RecipientStatus, 0, len(recipients))
	for _, recipient := range recipients {
		statuses = append(statuses, ready.RecipientStatus{
			Recipient: recipient,
			Err:       s.deliverOne(data),
		})
	}
	return statuses, nil
}

func (s *session) deliverOne(data []byte) error {
	delivery, err := maildir.NewDelivery(string(s.dir))
	if err != nil {
		return exterrors.WithTemporary(err, true)
	}
	if _, err := delivery.Write(data); err != nil {
		delivery.Abort()
		return exterrors.WithTemporary(err, true)
	}
	if err := delivery.Close(); err != nil {
		return exterrors.WithTemporary(err, true)
	}
	return nil
}

func (s *session) Peer() *dns.ResolvedAddress {
	return nil
}

func (s *session) TLSInfo() *ready.TLSInfo {
	return nil
}

func (s *session) Close() error {
	return nil
}
