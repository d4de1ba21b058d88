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
	"context"
	"errors"
	"time"

	"github.com/KumoCorp/kumomta/framework/exterrors"
	"github.com/KumoCorp/kumomta/internal/message"
)

// Metadata keys driving the multi-recipient disambiguation state machine.
const (
	// metaBatchRequeued marks that the message already used its one
	// immediate re-batch; the next failure must take the normal retry
	// path.
	metaBatchRequeued = "batch_requeued"

	// metaDeliverIndividually forces one-recipient transactions after a
	// repeated ambiguous batch response.
	metaDeliverIndividually = "deliver_individually"
)

// isAmbiguous reports whether the error is a batch-ambiguous SMTP
// response: a transient 452-class reply with no enhanced status code, which
// in a multi-recipient transaction may equally mean "this mailbox is full"
// or "too many recipients in this transaction".
func isAmbiguous(err error) bool {
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		return false
	}
	return smtpErr.Code == 452 && smtpErr.EnhancedCode.IsZero()
}

func isPermanent(err error) bool {
	return !exterrors.IsTemporaryOrUnspec(err)
}

type settleInput struct {
	msg     *message.Message
	session Session

	attempted    []string
	notAttempted []string
	statuses     []RecipientStatus
	sessionErr   error

	// individually marks results gathered from single-recipient
	// transactions, where a 452 is attributable by construction.
	individually bool
}

// settleOutcome is the batch disambiguator: it converts the transaction
// results into dispositions and exactly one follow-up schedule for the
// unresolved recipients.
//
// The shape of the decision, for a message that has not yet used its
// immediate re-batch:
//   - transient RCPT failures in a multi-recipient transaction are
//     re-queued *together* right away, unlogged, because the response may
//     be an artifact of the batch size rather than the recipient;
//   - everything else applies to exactly the indicated recipients.
//
// Once the flag is set, failures are logged and scheduled normally; a
// repeated ambiguous response additionally flips the message to
// per-recipient transactions so it cannot loop.
func (q *Queue) settleOutcome(ctx context.Context, in settleInput) {
	msg := in.msg
	alreadyRequeued := msg.MetaBool(metaBatchRequeued)

	var (
		delivered  []string
		resolved   int
		transient []RecipientStatus
		ambiguous []RecipientStatus
	)

	if in.sessionErr != nil {
		// A session-level failure applies to every recipient that had been
		// accepted at RCPT time; recipients rejected at RCPT keep their
		// own statuses.
		q.settleGroup(ctx, in, alreadyRequeued)
		return
	}

	for _, status := range in.statuses {
		switch {
		case status.Err == nil:
			delivered = append(delivered, status.Recipient)
			resolved++
		case isPermanent(status.Err):
			q.dispose(ctx, Disposition{
				Kind:      "Bounce",
				Msg:       msg,
				Recipient: status.Recipient,
				Err:       status.Err,
			}, in.session)
			resolved++
		case isAmbiguous(status.Err) && len(in.attempted) > 1 && !in.individually:
			ambiguous = append(ambiguous, status)
		default:
			transient = append(transient, status)
		}
	}

	if len(delivered) != 0 {
		q.dispose(ctx, Disposition{
			Kind:       "Delivery",
			Msg:        msg,
			Recipient:  delivered[0],
			Recipients: delivered,
		}, in.session)
	}

	unresolvedCount := len(transient) + len(ambiguous) + len(in.notAttempted)
	if unresolvedCount == 0 {
		if resolved != 0 {
			msg.RemoveFromSpool(ctx)
		}
		return
	}

	failed := append(append([]RecipientStatus(nil), transient...), ambiguous...)

	immediate := false
	switch {
	case !alreadyRequeued && len(in.attempted) > 1 && len(failed) != 0:
		// First failure in a batch context: burn the one-shot re-batch.
		msg.SetMeta(metaBatchRequeued, true)
		immediate = true
	case len(failed) == 0:
		// Only the client-side recipient cap is outstanding; follow up
		// right away.
		immediate = true
	default:
		// Normal retry path: the failure is now attributable, log it.
		if len(ambiguous) != 0 && alreadyRequeued {
			// Second ambiguous response on the re-queued batch: fall back
			// to per-recipient delivery for the next attempt and log the
			// group once.
			msg.SetMeta(metaDeliverIndividually, true)
			group := make([]string, 0, len(ambiguous))
			for _, status := range ambiguous {
				group = append(group, status.Recipient)
			}
			q.dispose(ctx, Disposition{
				Kind:       "TransientFailure",
				Msg:        msg,
				Recipient:  group[0],
				Recipients: group,
				Err:        ambiguous[0].Err,
			}, in.session)
			for _, status := range transient {
				q.dispose(ctx, Disposition{
					Kind:      "TransientFailure",
					Msg:       msg,
					Recipient: status.Recipient,
					Err:       status.Err,
				}, in.session)
			}
		} else {
			for _, status := range failed {
				q.dispose(ctx, Disposition{
					Kind:      "TransientFailure",
					Msg:       msg,
					Recipient: status.Recipient,
					Err:       status.Err,
				}, in.session)
			}
		}
	}

	// Recipients the transaction never reached go first so that the next
	// attempt makes progress on them before re-trying known failures.
	remainder := make([]string, 0, unresolvedCount)
	remainder = append(remainder, in.notAttempted...)
	for _, status := range failed {
		remainder = append(remainder, status.Recipient)
	}

	msg.SetRecipients(remainder)
	if immediate {
		now := time.Now()
		msg.SetDue(&now)
	} else {
		msg.SetDue(nil)
	}
	q.config.Requeue(ctx, msg, immediate)
}

// settleGroup handles a session-level (DATA or connection) failure that
// covers the whole accepted set.
func (q *Queue) settleGroup(ctx context.Context, in settleInput, alreadyRequeued bool) {
	msg := in.msg

	// Recipients rejected at RCPT time already carry specific statuses;
	// the session error covers the rest.
	var accepted []string
	resolved := 0
	var extra []string
	for _, status := range in.statuses {
		if status.Err == nil {
			accepted = append(accepted, status.Recipient)
			continue
		}
		if isPermanent(status.Err) {
			q.dispose(ctx, Disposition{
				Kind:      "Bounce",
				Msg:       msg,
				Recipient: status.Recipient,
				Err:       status.Err,
			}, in.session)
			resolved++
			continue
		}
		extra = append(extra, status.Recipient)
	}
	if len(in.statuses) == 0 {
		accepted = append([]string(nil), in.attempted...)
	}

	group := append(append([]string(nil), accepted...), extra...)
	if len(group) == 0 && len(in.notAttempted) == 0 {
		if resolved != 0 {
			msg.RemoveFromSpool(ctx)
		}
		return
	}

	err := in.sessionErr
	immediate := false
	switch {
	case isPermanent(err):
		if len(group) != 0 {
			q.dispose(ctx, Disposition{
				Kind:       "Bounce",
				Msg:        msg,
				Recipient:  group[0],
				Recipients: group,
				Err:        err,
			}, in.session)
		}
		group = nil
	case isAmbiguous(err) && len(accepted) > 1 && !alreadyRequeued:
		msg.SetMeta(metaBatchRequeued, true)
		immediate = true
	default:
		if isAmbiguous(err) && len(accepted) > 1 {
			msg.SetMeta(metaDeliverIndividually, true)
		}
		if len(group) != 0 {
			q.dispose(ctx, Disposition{
				Kind:       "TransientFailure",
				Msg:        msg,
				Recipient:  group[0],
				Recipients: group,
				Err:        err,
			}, in.session)
		}
	}

	remainder := append(group, in.notAttempted...)
	if len(remainder) == 0 {
		msg.RemoveFromSpool(ctx)
		return
	}

	msg.SetRecipients(remainder)
	if immediate {
		now := time.Now()
		msg.SetDue(&now)
	} else {
		msg.SetDue(nil)
	}
	q.config.Requeue(ctx, msg, immediate)
}

// handleGroupFailure is used when no transaction could even be attempted
// (connection establishment failed).
func (q *Queue) handleGroupFailure(ctx context.Context, msg *message.Message, err error) {
	msg.IncrementAttempts()

	kind := "TransientFailure"
	if isPermanent(err) {
		kind = "Bounce"
	}
	recipients := msg.Recipients()
	var first string
	if len(recipients) != 0 {
		first = recipients[0]
	}
	q.dispose(ctx, Disposition{
		Kind:       kind,
		Msg:        msg,
		Recipient:  first,
		Recipients: recipients,
		Err:        err,
	}, nil)

	if kind == "Bounce" {
		msg.RemoveFromSpool(ctx)
		return
	}
	msg.SetDue(nil)
	q.config.Requeue(ctx, msg, false)
}

// dispose fills in the queue-level fields and forwards to the configured
// disposition sink.
func (q *Queue) dispose(ctx context.Context, d Disposition, session Session) {
	d.SiteName = q.config.SiteName
	d.EgressSource = q.config.EgressSource
	d.EgressPool = q.config.EgressPool
	d.Protocol = q.config.Protocol
	if session != nil {
		d.PeerAddress = session.Peer()
	}
	if d.QueueName == "" && d.Msg != nil {
		if name, err := d.Msg.QueueName(); err == nil {
			d.QueueName = name
		}
	}
	if q.config.Dispose != nil {
		q.config.Dispose(ctx, d)
	}
}
