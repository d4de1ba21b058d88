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

package queue

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/sync/errgroup"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/admin"
	"github.com/KumoCorp/kumomta/internal/dsn"
	"github.com/KumoCorp/kumomta/internal/lifecycle"
	"github.com/KumoCorp/kumomta/internal/logging"
	"github.com/KumoCorp/kumomta/internal/maildir"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/policy"
	"github.com/KumoCorp/kumomta/internal/ready"
	"github.com/KumoCorp/kumomta/internal/shaping"
	"github.com/KumoCorp/kumomta/internal/smtpconn"
	"github.com/KumoCorp/kumomta/internal/spool"
)

// EventGetQueueConfig is raised per queue to obtain its Config; the
// handler receives the queue name and the parsed components and returns
// *Config.
const EventGetQueueConfig = "get_queue_config"

// Manager is the registry of live scheduled queues and the wiring between
// them, the shaping snapshot and the ready queues.
type Manager struct {
	Ready    *ready.Manager
	Resolver *dns.MXResolver

	// EgressSources maps pool name to its member sources; sources of a
	// pool are used round-robin.
	EgressSources map[string][]string

	// Hostname is used in EHLO by the SMTP connector.
	Hostname string

	// BounceReports enables RFC 3464 notifications to the envelope
	// sender when a message permanently fails or expires.
	BounceReports bool

	Log log.Logger

	mu      sync.Mutex
	queues  map[string]*Queue
	shaping *shaping.Shaping

	poolRotation sync.Map // pool name -> *uint32

	smtpConnector *ready.SMTPConnector
}

func NewManager(resolver *dns.MXResolver, hostname string) *Manager {
	m := &Manager{
		Ready:    ready.NewManager(),
		Resolver: resolver,
		Hostname: hostname,
		Log:      log.Logger{Name: "queue"},
		queues:   map[string]*Queue{},
	}
	m.smtpConnector = &ready.SMTPConnector{Resolver: resolver, Hostname: hostname}
	return m
}

// SetShaping installs a freshly resolved shaping snapshot. Installing one
// bumps the config epoch: every live ready queue is re-resolved right
// away, while TTL-refreshed queues additionally pick up changes during
// Maintain.
func (m *Manager) SetShaping(s *shaping.Shaping) {
	m.mu.Lock()
	m.shaping = s
	m.mu.Unlock()

	ctx := context.Background()
	for _, rq := range m.Ready.All() {
		resolved, err := s.EgressPathConfigFor(ctx, rq.RoutingDomain(), rq.SiteName(), rq.EgressSource())
		if err != nil {
			m.Log.Error("shaping refresh", err, "ready_queue", rq.Name())
			continue
		}
		rq.UpdatePathConfig(resolved)
	}
}

func (m *Manager) shapingSnapshot() *shaping.Shaping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shaping
}

// GetOrCreate returns the scheduled queue with the given name, creating
// it lazily.
func (m *Manager) GetOrCreate(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q
	}
	q := newQueue(m, name)
	m.queues[name] = q
	return q
}

// All returns a snapshot of the live queues.
func (m *Manager) All() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	return queues
}

// Insert routes the message into its scheduled queue, applying any
// matching rebind directive first.
func (m *Manager) Insert(ctx context.Context, msg *message.Message, reason string) error {
	if err := msg.LoadMetaIfNeeded(ctx); err != nil {
		return err
	}

	name, err := msg.QueueName()
	if err != nil {
		return err
	}

	// A matching rebind rewrites the routing metadata before the queue is
	// chosen. One pass only: a rebind that matches its own output does
	// not loop.
	if entry := admin.Rebinds.Match(message.ParseQueueName(name)); entry != nil {
		entry.NoteHit(name)
		for key, value := range entry.RebindTo {
			if err := msg.SetMeta(key, value); err != nil {
				return err
			}
		}
		name, err = msg.QueueName()
		if err != nil {
			return err
		}
	}

	return m.GetOrCreate(name).Insert(ctx, msg, reason)
}

// fetchConfig obtains the queue configuration, consulting the policy
// layer first.
func (m *Manager) fetchConfig(ctx context.Context, name string) Config {
	result, handled, err := policy.Fire(ctx, EventGetQueueConfig, name, message.ParseQueueName(name))
	if err != nil {
		m.Log.Error("get_queue_config failed", err, "queue", name)
		return DefaultConfig()
	}
	if handled {
		if config, ok := result.(*Config); ok && config != nil {
			return *config
		}
	}
	return DefaultConfig()
}

// pickSource selects the egress source for a pool round-robin.
func (m *Manager) pickSource(pool string) string {
	sources := m.EgressSources[pool]
	if len(sources) == 0 {
		return "default"
	}
	counterAny, _ := m.poolRotation.LoadOrStore(pool, new(uint32))
	counter := counterAny.(*uint32)
	return sources[int(atomic.AddUint32(counter, 1)-1)%len(sources)]
}

// readyQueueFor locates (or spawns) the ready queue a due message should
// enter: the site is factored from the MX set of the routing domain and
// the egress path config comes from the shaping snapshot.
func (m *Manager) readyQueueFor(ctx context.Context, q *Queue, config Config) (*ready.Queue, error) {
	domain := q.components.Domain
	if q.components.RoutingDomain != "" {
		domain = q.components.RoutingDomain
	}

	source := m.pickSource(config.EgressPool)

	var connector ready.Connector
	siteName := ""
	switch config.Protocol {
	case "", "Smtp":
		mx, err := m.Resolver.ResolveMX(ctx, domain)
		if err != nil {
			return nil, err
		}
		siteName = mx.SiteName
		connector = m.smtpConnector
	case "Maildir":
		siteName = "maildir:" + config.MaildirPath
		connector = &maildir.Connector{Path: config.MaildirPath}
	default:
		return nil, fmt.Errorf("queue: unknown delivery protocol %q", config.Protocol)
	}

	pathConfig := shaping.DefaultEgressPathConfig()
	if snapshot := m.shapingSnapshot(); snapshot != nil {
		resolved, err := snapshot.EgressPathConfigFor(ctx, domain, siteName, source)
		if err != nil {
			return nil, err
		}
		pathConfig = resolved
	}

	return m.Ready.GetOrCreate(ready.Config{
		SiteName:      siteName,
		EgressSource:  source,
		EgressPool:    config.EgressPool,
		Protocol:      connector.Name(),
		RoutingDomain: domain,
		Path:          pathConfig,
		Connector:     connector,
		Requeue:       m.requeue,
		Dispose:       m.dispose,
	}), nil
}

// requeue is handed to the dispatchers: it sends a message back through
// Insert so overrides, expiry and backoff all apply.
func (m *Manager) requeue(ctx context.Context, msg *message.Message, immediate bool) {
	if err := m.Insert(ctx, msg, "requeue"); err != nil {
		m.Log.Error("requeue failed", err, "id", msg.ID())
	}
}

// dispose adapts dispatcher dispositions onto the logging stream and, when
// enabled, synthesizes the sender notification for final failures.
func (m *Manager) dispose(ctx context.Context, d ready.Disposition) {
	if m.BounceReports && (d.Kind == "Bounce" || d.Kind == "Expiration") && d.Msg != nil {
		if err := m.emitBounceReport(ctx, d); err != nil {
			m.Log.Error("bounce report generation failed", err, "id", d.Msg.ID())
		}
	}
	logging.LogDisposition(ctx, logging.Disposition{
		Kind:             logging.RecordType(d.Kind),
		Msg:              d.Msg,
		Recipient:        d.Recipient,
		Recipients:       d.Recipients,
		QueueName:        d.QueueName,
		SiteName:         d.SiteName,
		PeerAddress:      d.PeerAddress,
		Response:         logging.ResponseFor(d.Err),
		EgressPool:       d.EgressPool,
		EgressSource:     d.EgressSource,
		DeliveryProtocol: d.Protocol,
		SessionID:        d.SessionID,
	})
}

// metaIsDSN marks synthesized notifications so a failing DSN never
// generates another one.
const metaIsDSN = "is_dsn"

// emitBounceReport builds an RFC 3464 report for the failed recipients and
// enqueues it toward the envelope sender with a null return path.
func (m *Manager) emitBounceReport(ctx context.Context, d ready.Disposition) error {
	msg := d.Msg
	if err := msg.LoadMetaIfNeeded(ctx); err != nil {
		return err
	}
	sender := msg.Sender()
	if sender == "" || msg.MetaBool(metaIsDSN) {
		return nil
	}

	var failedHeader textproto.Header
	if err := msg.LoadDataIfNeeded(ctx); err == nil {
		if parsed, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg.Data()))); err == nil {
			failedHeader = parsed
		}
	}

	recipients := d.Recipients
	if len(recipients) == 0 && d.Recipient != "" {
		recipients = []string{d.Recipient}
	}
	response := logging.ResponseFor(nil)
	if d.Err != nil {
		response = smtpconn.ResponseFromError(d.Err)
	}
	rcptsInfo := make([]dsn.RecipientInfo, 0, len(recipients))
	for _, recipient := range recipients {
		rcptsInfo = append(rcptsInfo, dsn.RecipientInfo{
			FinalRecipient: recipient,
			Action:         dsn.ActionFailed,
			Status:         response.EnhancedCode,
			DiagnosticCode: response.SingleLine(),
		})
	}

	var body bytes.Buffer
	outer, err := dsn.Generate(
		dsn.Envelope{
			MsgID: "<" + msg.ID().String() + ".dsn@" + m.Hostname + ">",
			From:  "MAILER-DAEMON@" + m.Hostname,
			To:    sender,
		},
		dsn.ReportingMTAInfo{
			ReportingMTA:    m.Hostname,
			XSender:         sender,
			XMessageID:      msg.ID().String(),
			ArrivalDate:     msg.Created(),
			LastAttemptDate: time.Now(),
		},
		rcptsInfo, failedHeader, &body)
	if err != nil {
		return err
	}

	var rendered bytes.Buffer
	if err := textproto.WriteHeader(&rendered, outer); err != nil {
		return err
	}
	rendered.Write(body.Bytes())

	// Null return path: a failing notification must never bounce back.
	report := message.New("", []string{sender}, rendered.Bytes())
	if err := report.SetMeta(metaIsDSN, true); err != nil {
		return err
	}
	if err := report.Save(ctx); err != nil {
		return err
	}
	return m.Insert(ctx, report, "dsn")
}

// ApplyBounce immediately drains matching scheduled queues for a freshly
// installed bounce directive.
func (m *Manager) ApplyBounce(entry *admin.Entry) {
	ctx := context.Background()
	for _, q := range m.All() {
		if entry.Matches(q.components) {
			count := q.BounceAll(ctx, entry)
			if count != 0 {
				m.Log.Msg("admin bounce drained queue", "queue", q.name, "count", count)
			}
		}
	}
}

// ApplyRebind immediately re-keys matching scheduled queues.
func (m *Manager) ApplyRebind(entry *admin.Entry) {
	ctx := context.Background()
	for _, q := range m.All() {
		if entry.Matches(q.components) {
			count := q.RebindAll(ctx, entry)
			if count != 0 {
				m.Log.Msg("admin rebind drained queue", "queue", q.name, "count", count)
			}
		}
	}
}

// Maintain runs one housekeeping pass: reaping idle queues, refreshing
// ready queue path configs and applying shrink policies. The daemon calls
// it periodically.
func (m *Manager) Maintain(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	for name, q := range m.queues {
		config := q.snapshotConfig()
		reapAfter := config.ReapInterval.Std()
		if reapAfter <= 0 {
			reapAfter = DefaultConfig().ReapInterval.Std()
		}
		if q.idle(reapAfter) {
			q.Close()
			delete(m.queues, name)
			continue
		}
		q.applyShrinkPolicy(now, config)
	}
	snapshot := m.shaping
	m.mu.Unlock()

	if snapshot != nil {
		for _, rq := range m.Ready.All() {
			path := rq.PathConfig()
			resolved, err := snapshot.EgressPathConfigFor(ctx, rq.RoutingDomain(), rq.SiteName(), rq.EgressSource())
			if err == nil && path.RefreshStrategy != shaping.RefreshEpoch {
				rq.UpdatePathConfig(resolved)
			}
		}
		m.Ready.Reap(10 * time.Minute)
	}
}

// SpoolIn enumerates the spool at startup, joins data and metadata and
// re-inserts every surviving message into its scheduled queue.
func (m *Manager) SpoolIn(ctx context.Context) (int, error) {
	metaStore, err := spool.Get(spool.Meta)
	if err != nil {
		return 0, err
	}

	ch := make(chan spool.Entry, 32)
	if err := metaStore.Enumerate(ch); err != nil {
		return 0, err
	}

	var count atomic.Int64
	var group errgroup.Group
	group.SetLimit(8)
	for entry := range ch {
		entry := entry
		if entry.Err != nil {
			m.Log.Error("corrupt spool entry", entry.Err, "id", entry.ID)
			continue
		}
		group.Go(func() error {
			msg := message.LoadFromSpool(entry.ID)
			if err := msg.LoadMetaIfNeeded(ctx); err != nil {
				m.Log.Error("unreadable metadata", err, "id", entry.ID)
				return nil
			}
			if err := m.Insert(ctx, msg, "spool-in"); err != nil {
				m.Log.Error("spool-in insert failed", err, "id", entry.ID)
				return nil
			}
			count.Add(1)
			return nil
		})
	}
	group.Wait()
	return int(count.Load()), nil
}

// Shutdown stops all queues; messages stay in the spool for the next
// start.
func (m *Manager) Shutdown() {
	lifecycle.InitiateShutdown()
	for _, q := range m.All() {
		q.Close()
	}
	m.Ready.WaitAll()
}
