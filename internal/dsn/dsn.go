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

// Package dsn generates the delivery status notifications (RFC 3464,
// RFC 3462) optionally sent to the envelope sender when a message
// permanently fails.
package dsn

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/KumoCorp/kumomta/framework/exterrors"
)

// ReportingMTAInfo describes this node for the machine-readable report
// part.
type ReportingMTAInfo struct {
	ReportingMTA    string
	ReceivedFromMTA string

	// Message envelope sender, included as 'X-Kumo-Sender: rfc822; ADDR'.
	XSender string

	// Spool identifier, included as 'X-Kumo-MsgID'.
	XMessageID string

	// Time when the message was enqueued for delivery.
	ArrivalDate time.Time

	// Time of the last delivery attempt.
	LastAttemptDate time.Time
}

func (info ReportingMTAInfo) writeTo(w io.Writer) error {
	// The DSN format uses a structure similar to a MIME header, so the
	// MIME generator is reused here.
	h := textproto.Header{}

	if info.ReportingMTA == "" {
		return errors.New("dsn: Reporting-MTA field is mandatory")
	}

	// AddRaw keeps the field names as written; Add would canonicalize them
	// to "Reporting-Mta" and the like.
	h.AddRaw([]byte("Reporting-MTA: dns; " + info.ReportingMTA + "\r\n"))
	if info.ReceivedFromMTA != "" {
		h.AddRaw([]byte("Received-From-MTA: dns; " + info.ReceivedFromMTA + "\r\n"))
	}
	if info.XSender != "" {
		h.Add("X-Kumo-Sender", "rfc822; "+info.XSender)
	}
	if info.XMessageID != "" {
		h.AddRaw([]byte("X-Kumo-MsgID: " + info.XMessageID + "\r\n"))
	}
	if !info.ArrivalDate.IsZero() {
		h.Add("Arrival-Date", info.ArrivalDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	if !info.LastAttemptDate.IsZero() {
		h.Add("Last-Attempt-Date", info.LastAttemptDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	return textproto.WriteHeader(w, h)
}

type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
)

// RecipientInfo describes one failed recipient.
type RecipientInfo struct {
	FinalRecipient string
	RemoteMTA      string

	Action Action
	Status exterrors.EnhancedCode

	// DiagnosticCode is the SMTP response that caused the failure.
	DiagnosticCode string
}

func (info RecipientInfo) writeTo(w io.Writer) error {
	h := textproto.Header{}

	if info.FinalRecipient == "" {
		return errors.New("dsn: Final-Recipient field is mandatory")
	}

	h.Add("Final-Recipient", "rfc822; "+info.FinalRecipient)
	h.Add("Action", string(info.Action))
	h.Add("Status", info.Status.String())
	if info.RemoteMTA != "" {
		h.Add("Remote-MTA", "dns; "+info.RemoteMTA)
	}
	if info.DiagnosticCode != "" {
		h.Add("Diagnostic-Code", "smtp; "+info.DiagnosticCode)
	}

	return textproto.WriteHeader(w, h)
}

// Envelope describes the DSN message itself.
type Envelope struct {
	MsgID string
	From  string
	To    string
}

// Generate renders a multipart/report DSN into w and returns the header
// of the outer message. failedHeader is the header of the undeliverable
// message, included as the third part.
func Generate(envelope Envelope, mtaInfo ReportingMTAInfo, rcptsInfo []RecipientInfo, failedHeader textproto.Header, w io.Writer) (textproto.Header, error) {
	multipart := textproto.NewMultipartWriter(w)

	outer := textproto.Header{}
	outer.Add("Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	outer.Add("To", "<"+envelope.To+">")
	outer.Add("From", "\"Mail Delivery Subsystem\" <"+envelope.From+">")
	outer.Add("Message-Id", envelope.MsgID)
	outer.Add("Subject", "Undelivered Mail Returned to Sender")
	outer.Add("Auto-Submitted", "auto-replied")
	outer.Add("MIME-Version", "1.0")
	outer.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+multipart.Boundary())

	textHeader := textproto.Header{}
	textHeader.Add("Content-Type", "text/plain; charset=utf-8")
	textPart, err := multipart.CreatePart(textHeader)
	if err != nil {
		return outer, err
	}
	fmt.Fprintf(textPart, "This is the mail system at host %s.\r\n\r\n", mtaInfo.ReportingMTA)
	fmt.Fprintf(textPart, "I'm sorry to have to inform you that your message could not\r\n"+
		"be delivered to one or more recipients.\r\n\r\n")
	for _, rcpt := range rcptsInfo {
		fmt.Fprintf(textPart, "<%s>: %s\r\n", rcpt.FinalRecipient, rcpt.DiagnosticCode)
	}

	statusHeader := textproto.Header{}
	statusHeader.Add("Content-Type", "message/delivery-status")
	statusPart, err := multipart.CreatePart(statusHeader)
	if err != nil {
		return outer, err
	}
	if err := mtaInfo.writeTo(statusPart); err != nil {
		return outer, err
	}
	for _, rcpt := range rcptsInfo {
		if err := rcpt.writeTo(statusPart); err != nil {
			return outer, err
		}
	}

	headerPartHeader := textproto.Header{}
	headerPartHeader.Add("Content-Type", "message/rfc822-headers")
	headerPart, err := multipart.CreatePart(headerPartHeader)
	if err != nil {
		return outer, err
	}
	if err := textproto.WriteHeader(headerPart, failedHeader); err != nil {
		return outer, err
	}

	return outer, multipart.Close()
}
