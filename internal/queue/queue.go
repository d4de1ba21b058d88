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

// Package queue implements the scheduled queues: per-destination
// time-ordered queues that hold messages between delivery attempts,
// applying exponential backoff, the max-age cutoff and administrative
// overrides.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KumoCorp/kumomta/framework/exterrors"
	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/admin"
	"github.com/KumoCorp/kumomta/internal/lifecycle"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/ready"
)

var (
	scheduledDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduled_queue_depth",
		Help: "number of messages scheduled in each queue",
	}, []string{"queue"})
	delayedReadyFull = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delayed_due_to_ready_queue_full",
		Help: "messages deferred because the ready queue refused them",
	}, []string{"queue"})
	delayedMessageRate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delayed_due_to_message_rate_throttle",
		Help: "messages deferred by the scheduled queue message rate",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(scheduledDepth, delayedReadyFull, delayedMessageRate)
}

// Queue is one scheduled queue, created lazily on first insert and reaped
// after reap_interval of idleness.
type Queue struct {
	name       string
	components message.QueueNameComponents

	m *Manager

	mu            sync.Mutex
	config        Config
	configFetched time.Time
	lastActivity  time.Time

	wheel *timeWheel

	Log log.Logger
}

func newQueue(m *Manager, name string) *Queue {
	q := &Queue{
		name:         name,
		components:   message.ParseQueueName(name),
		m:            m,
		lastActivity: time.Now(),
		Log:          log.Logger{Name: "queue/" + name},
	}
	q.wheel = newTimeWheel(q.dispatchDue)
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// Config returns the queue configuration, re-fetching it from the policy
// layer when the refresh interval elapsed.
func (q *Queue) Config(ctx context.Context) Config {
	q.mu.Lock()
	config := q.config
	stale := q.configFetched.IsZero() ||
		time.Since(q.configFetched) >= config.RefreshInterval.Std()
	q.mu.Unlock()

	if !stale {
		return config
	}

	fresh := q.m.fetchConfig(ctx, q.name)
	q.mu.Lock()
	q.config = fresh
	q.configFetched = time.Now()
	q.mu.Unlock()
	return fresh
}

func (q *Queue) snapshotConfig() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.config
}

func (q *Queue) touch() {
	q.mu.Lock()
	q.lastActivity = time.Now()
	q.mu.Unlock()
}

// Len is the number of messages currently scheduled.
func (q *Queue) Len() int {
	return q.wheel.Len()
}

func (q *Queue) idle(interval time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wheel.Len() == 0 && time.Since(q.lastActivity) >= interval
}

// Insert schedules the message. Admin bounce directives terminate it right
// here; suspensions push the due time past the suspension expiry; a
// message whose accumulated schedule exceeds max_age is expired.
func (q *Queue) Insert(ctx context.Context, msg *message.Message, reason string) error {
	if lifecycle.IsShuttingDown() {
		return lifecycle.ErrShuttingDown
	}
	q.touch()
	q.Log.DebugMsg("insert", "id", msg.ID(), "reason", reason)

	if entry := admin.Bounces.Match(q.components); entry != nil {
		q.bounceByAdmin(ctx, msg, entry)
		return nil
	}

	now := time.Now()
	config := q.Config(ctx)

	var due time.Time
	if explicit := msg.Due(); explicit != nil {
		due = *explicit
	} else if msg.NumAttempts() == 0 {
		due = now
	} else {
		// NumAttempts counts the attempts already made; the schedule is
		// computed for the next one.
		delay, ok := config.ComputeDelayBasedOnAge(msg.NumAttempts()+1, msg.Age(now))
		if !ok {
			q.expire(ctx, msg)
			return nil
		}
		due = now.Add(delay)
	}

	if entry := admin.Suspends.Match(q.components); entry != nil {
		entry.NoteHit(q.name)
		if entry.Expires.After(due) {
			due = entry.Expires
		}
	}

	if err := msg.Save(ctx); err != nil {
		return err
	}

	q.wheel.Add(due, msg)
	scheduledDepth.WithLabelValues(q.name).Set(float64(q.wheel.Len()))
	return nil
}

// bounceByAdmin terminates the message per an operator bounce directive.
func (q *Queue) bounceByAdmin(ctx context.Context, msg *message.Message, entry *admin.Entry) {
	entry.NoteHit(q.name)
	if !entry.SuppressLogging {
		q.m.dispose(ctx, ready.Disposition{
			Kind:      "AdminBounce",
			Msg:       msg,
			QueueName: q.name,
			Err: &exterrors.SMTPError{
				Code:         551,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "administrator bounce: " + entry.Reason,
			},
		})
	}
	msg.RemoveFromSpool(ctx)
}

// expire terminates a message that exceeded max_age.
func (q *Queue) expire(ctx context.Context, msg *message.Message) {
	q.m.dispose(ctx, ready.Disposition{
		Kind:      "Expiration",
		Msg:       msg,
		QueueName: q.name,
		Err: &exterrors.SMTPError{
			Code:         551,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 7},
			Message:      "next delivery attempt would exceed max_age",
		},
	})
	msg.RemoveFromSpool(ctx)
}

// BounceAll drains the queue per an operator directive.
func (q *Queue) BounceAll(ctx context.Context, entry *admin.Entry) int {
	drained := q.wheel.Drain()
	for _, msg := range drained {
		q.bounceByAdmin(ctx, msg, entry)
	}
	scheduledDepth.WithLabelValues(q.name).Set(0)
	return len(drained)
}

// RebindAll re-keys the scheduled messages per a rebind directive:
// matching messages get their metadata rewritten and are re-inserted
// through the manager so they land in their new queue.
func (q *Queue) RebindAll(ctx context.Context, entry *admin.Entry) int {
	drained := q.wheel.Drain()
	for _, msg := range drained {
		entry.NoteHit(q.name)
		// The existing schedule is kept: rebinding moves a message, it
		// does not make it due.
		for key, value := range entry.RebindTo {
			msg.SetMeta(key, value)
		}
		if err := q.m.Insert(ctx, msg, "rebind"); err != nil {
			q.Log.Error("rebind re-insert failed", err, "id", msg.ID())
		}
	}
	return len(drained)
}

// dispatchDue runs on the timewheel goroutine when a message comes due;
// the heavy lifting happens on its own goroutine so the wheel keeps
// ticking.
func (q *Queue) dispatchDue(msg *message.Message) {
	scheduledDepth.WithLabelValues(q.name).Set(float64(q.wheel.Len()))
	go q.promote(context.Background(), msg)
}

// promote moves a due message into its ready queue, observing the message
// rate throttle and ready-queue backpressure.
func (q *Queue) promote(ctx context.Context, msg *message.Message) {
	if lifecycle.IsShuttingDown() {
		// The message is safe in the spool; the next start re-discovers
		// it.
		return
	}

	config := q.Config(ctx)

	if config.MaxMessageRate != nil {
		result, err := config.MaxMessageRate.Throttle(ctx, "sched-rate:"+q.name)
		if err != nil {
			q.Log.Error("message rate throttle", err)
		} else if result.Throttled {
			delayedMessageRate.WithLabelValues(q.name).Inc()
			q.wheel.Add(time.Now().Add(result.RetryAfter), msg)
			return
		}
	}

	rq, err := q.m.readyQueueFor(ctx, q, config)
	if err != nil {
		q.promotionFailed(ctx, msg, err)
		return
	}

	// The message leaves with no residual schedule; failure paths set a
	// fresh one.
	msg.SetDue(nil)

	switch err := rq.Insert(ctx, msg); {
	case err == nil:
	case errors.Is(err, ready.ErrQueueFull):
		delayedReadyFull.WithLabelValues(q.name).Inc()
		q.wheel.Add(time.Now().Add(q.fullJitter(config)), msg)
	case errors.Is(err, lifecycle.ErrShuttingDown):
		// Leave it in the spool for the next start.
	default:
		var suspended ready.SuspendedError
		if errors.As(err, &suspended) {
			q.wheel.Add(suspended.Until, msg)
			return
		}
		q.Log.Error("ready queue insert", err, "id", msg.ID())
		q.wheel.Add(time.Now().Add(time.Minute), msg)
	}
}

// promotionFailed handles failures to even locate the destination,
// usually DNS trouble.
func (q *Queue) promotionFailed(ctx context.Context, msg *message.Message, err error) {
	msg.IncrementAttempts()

	if exterrors.IsTemporaryOrUnspec(err) {
		q.m.dispose(ctx, ready.Disposition{
			Kind:       "TransientFailure",
			Msg:        msg,
			Recipients: msg.Recipients(),
			QueueName:  q.name,
			Err:        err,
		})
		msg.SetDue(nil)
		if insertErr := q.Insert(ctx, msg, "resolve-failed"); insertErr != nil {
			q.Log.Error("re-insert after resolve failure", insertErr, "id", msg.ID())
		}
		return
	}

	q.m.dispose(ctx, ready.Disposition{
		Kind:       "Bounce",
		Msg:        msg,
		Recipients: msg.Recipients(),
		QueueName:  q.name,
		Err:        err,
	})
	msg.RemoveFromSpool(ctx)
}

// fullJitter picks the uniform re-schedule delay used when the ready
// queue refuses a message.
func (q *Queue) fullJitter(config Config) time.Duration {
	limit := config.RetryInterval.Std() / 4
	if limit > time.Minute {
		limit = time.Minute
	}
	if limit <= 0 {
		limit = time.Second
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

// applyShrinkPolicy unloads clean resident state from messages that have
// been sitting in the wheel past each policy interval.
func (q *Queue) applyShrinkPolicy(now time.Time, config Config) {
	if len(config.ShrinkPolicy) == 0 {
		return
	}
	q.wheel.ForEach(func(due time.Time, msg *message.Message) {
		idle := now.Sub(msg.Created())
		for _, policy := range config.ShrinkPolicy {
			if idle < policy.Interval.Std() {
				continue
			}
			// Dirty messages are never unloaded; Unload* refuses them.
			switch policy.Policy {
			case "ShrinkData":
				msg.UnloadData()
			case "ShrinkMeta":
				msg.UnloadMeta()
			case "ShrinkDataAndMeta":
				msg.UnloadData()
				msg.UnloadMeta()
			}
		}
	})
}

// Close stops the timewheel. Scheduled messages stay in the spool.
func (q *Queue) Close() {
	q.wheel.Close()
}
