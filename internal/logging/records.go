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

package logging

import (
	"time"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/framework/exterrors"
	"github.com/KumoCorp/kumomta/internal/classify"
	"github.com/KumoCorp/kumomta/internal/smtpconn"
)

// RecordType distinguishes the disposition stream entries.
type RecordType string

const (
	// Reception of a message by this node.
	Reception RecordType = "Reception"
	// Delivery reports a successful transaction.
	Delivery RecordType = "Delivery"
	// TransientFailure reports a failed attempt that will be retried.
	TransientFailure RecordType = "TransientFailure"
	// Bounce reports a permanent failure; the message leaves the engine.
	Bounce RecordType = "Bounce"
	// Expiration reports that the message aged out of the queue.
	Expiration RecordType = "Expiration"
	// AdminBounce reports an operator-initiated bounce.
	AdminBounce RecordType = "AdminBounce"
	// Rejection reports a message this node refused to accept.
	Rejection RecordType = "Rejection"
	// Delayed reports a message whose promotion to the ready queue was
	// deferred.
	Delayed RecordType = "Delayed"
	// Any enables or disables all record types in a per-record map.
	Any RecordType = "Any"
)

// TLSInfo captures the negotiated transport security of the delivery
// session.
type TLSInfo struct {
	Cipher          string `json:"cipher,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	PeerSubject     string `json:"peer_subject,omitempty"`
}

// JSONLogRecord is one line of the disposition stream. The field set is a
// stable interface consumed by downstream accounting.
type JSONLogRecord struct {
	Type      RecordType `json:"type"`
	ID        string     `json:"id"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	// Recipients lists every recipient covered by a batched transaction,
	// in RCPT order; Recipient is its first element then.
	Recipients []string `json:"recipients,omitempty"`
	Queue      string   `json:"queue"`

	SiteName    string               `json:"site,omitempty"`
	PeerAddress *dns.ResolvedAddress `json:"peer_address,omitempty"`

	Response smtpconn.Response `json:"response"`

	// Timestamp is when the event happened; Created when the message was
	// received.
	Timestamp time.Time `json:"timestamp"`
	Created   time.Time `json:"created"`

	NumAttempts int `json:"num_attempts"`

	EgressPool   string `json:"egress_pool,omitempty"`
	EgressSource string `json:"egress_source,omitempty"`
	Provider     string `json:"provider,omitempty"`

	BounceClassification classify.Class `json:"bounce_classification,omitempty"`

	// Meta and Headers hold the captured subsets configured per logger.
	Meta    map[string]interface{} `json:"meta,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`

	DeliveryProtocol string   `json:"delivery_protocol,omitempty"`
	TLSInfo          *TLSInfo `json:"tls_info,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
}

// ResponseFor builds the response recorded for a disposition, synthesizing
// one for local failures.
func ResponseFor(err error) smtpconn.Response {
	if err == nil {
		return smtpconn.Response{
			Code:         250,
			EnhancedCode: exterrors.EnhancedCode{2, 0, 0},
			Content:      "ok",
		}
	}
	return smtpconn.ResponseFromError(err)
}
