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
	"time"

	"github.com/google/uuid"

	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/lifecycle"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/throttle"
)

// runDispatcher is one worker of the pool. Its lifecycle is the state
// machine Idle -> Resolving/Connecting -> Ready -> Delivering -> (Ready |
// Closing) -> Terminated; resolving and connecting live inside the
// connector.
func (q *Queue) runDispatcher(sessionID uuid.UUID) {
	defer q.workerExited()

	activity, err := lifecycle.Get("dispatcher " + q.name)
	if err != nil {
		return
	}
	defer activity.Release()

	ctx := context.Background()
	logger := q.config.Log
	logger.Fields = map[string]interface{}{"session_id": sessionID.String()}

	var session Session
	var lease *throttle.Lease
	deliveries := 0

	closeSession := func() {
		if session != nil {
			if err := session.Close(); err != nil {
				logger.Error("session close", err)
			}
			session = nil
		}
		if lease != nil {
			lease.ReleaseDeferred()
			lease = nil
		}
		deliveries = 0
	}
	defer closeSession()

	for {
		msg := q.nextMessage()
		if msg == nil {
			// Idle timeout or shutdown.
			return
		}

		path := q.PathConfig()

		// Message rate shaping applies before a connection is made so a
		// fully throttled queue does not hold connections open.
		if path.MaxMessageRate != nil {
			result, err := path.MaxMessageRate.Throttle(ctx, "msg-rate:"+q.name)
			if err != nil {
				logger.Error("message rate throttle", err)
			} else if result.Throttled {
				due := time.Now().Add(result.RetryAfter)
				msg.SetDue(&due)
				q.config.Requeue(ctx, msg, false)
				continue
			}
		}

		if session == nil {
			connected, connLease, err := q.connect(ctx, logger)
			if err != nil {
				// Connection establishment failed: every recipient of the
				// message shares the outcome.
				q.handleGroupFailure(ctx, msg, err)
				if lifecycle.IsShuttingDown() {
					return
				}
				continue
			}
			session = connected
			lease = connLease
		}

		brokenSession := q.deliverOne(ctx, session, msg)
		deliveries++

		if brokenSession || deliveries >= path.MaxDeliveriesPerConnection {
			closeSession()
		}
		if lifecycle.IsShuttingDown() {
			return
		}
	}
}

// nextMessage pulls the next ready message, giving up after the idle
// timeout or on shutdown.
func (q *Queue) nextMessage() *message.Message {
	idle := q.PathConfig().IdleTimeout.Std()
	if idle <= 0 {
		idle = time.Minute
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	select {
	case msg := <-q.fifo:
		readyDepth.WithLabelValues(q.name).Set(float64(len(q.fifo)))
		q.mu.Lock()
		q.lastActivity = time.Now()
		q.mu.Unlock()
		return msg
	case <-timer.C:
		return nil
	case <-lifecycle.ShutdownRequested():
		return nil
	}
}

// connect establishes a protocol session, honoring the connection rate
// throttle and the cluster-wide connection lease.
func (q *Queue) connect(ctx context.Context, logger log.Logger) (Session, *throttle.Lease, error) {
	path := q.PathConfig()

	if path.MaxConnectionRate != nil {
		result, err := path.MaxConnectionRate.Throttle(ctx, "conn-rate:"+q.name)
		if err != nil {
			logger.Error("connection rate throttle", err)
		} else if result.Throttled {
			wait := result.RetryAfter
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			select {
			case <-time.After(wait):
			case <-lifecycle.ShutdownRequested():
				return nil, nil, lifecycle.ErrShuttingDown
			}
		}
	}

	leaseSpec := throttle.LimitSpec{
		Limit:    path.ConnectionLimit,
		Duration: 5 * time.Minute,
	}
	lease, err := leaseSpec.AcquireLease(ctx, "conn:"+q.name)
	if err != nil {
		return nil, nil, err
	}

	session, err := q.config.Connector.Connect(ctx, q)
	if err != nil {
		lease.ReleaseDeferred()
		return nil, nil, err
	}
	return session, lease, nil
}

// deliverOne runs one transaction for the message and routes the results
// through the batch disambiguator. It reports whether the session is no
// longer usable.
func (q *Queue) deliverOne(ctx context.Context, session Session, msg *message.Message) bool {
	path := q.PathConfig()

	recipients := msg.Recipients()
	if len(recipients) == 0 {
		// Nothing left to do; a stray empty message is fully resolved.
		msg.RemoveFromSpool(ctx)
		return false
	}

	// Per-recipient fallback after repeated ambiguous responses.
	if msg.MetaBool(metaDeliverIndividually) {
		return q.deliverIndividually(ctx, session, msg, recipients)
	}

	attempted := recipients
	var notAttempted []string
	if limit := path.MaxRecipientsPerMessage; limit > 0 && len(recipients) > limit {
		attempted = recipients[:limit]
		notAttempted = recipients[limit:]
	}

	msg.IncrementAttempts()

	statuses, sessionErr := session.DeliverBatch(ctx, msg, attempted)

	q.settleOutcome(ctx, settleInput{
		msg:          msg,
		session:      session,
		attempted:    attempted,
		notAttempted: notAttempted,
		statuses:     statuses,
		sessionErr:   sessionErr,
	})

	return sessionErr != nil
}

// deliverIndividually runs one single-recipient transaction per recipient,
// so every response is attributable, and settles the union once.
func (q *Queue) deliverIndividually(ctx context.Context, session Session, msg *message.Message, recipients []string) bool {
	msg.IncrementAttempts()

	var statuses []RecipientStatus
	broken := false
	for i, recipient := range recipients {
		perRcpt, sessionErr := session.DeliverBatch(ctx, msg, []string{recipient})
		if sessionErr != nil {
			// The session may be unusable; charge the error to this and
			// any remaining recipients and stop.
			statuses = append(statuses, RecipientStatus{Recipient: recipient, Err: sessionErr})
			for _, rest := range recipients[i+1:] {
				statuses = append(statuses, RecipientStatus{Recipient: rest, Err: sessionErr})
			}
			broken = true
			break
		}
		statuses = append(statuses, perRcpt...)
	}

	q.settleOutcome(ctx, settleInput{
		msg:          msg,
		session:      session,
		attempted:    recipients,
		statuses:     statuses,
		individually: true,
	})

	return broken
}
