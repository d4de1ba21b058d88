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

// Package ready implements the per-destination ready queues and the
// dispatcher workers that drain them.
//
// A ready queue is keyed by (site name, egress source, protocol) and owns a
// bounded FIFO of messages eligible for an immediate delivery attempt plus
// a pool of at most connection_limit dispatcher workers. Messages enter
// from the scheduled queues' ticks and leave through a protocol session.
package ready

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/admin"
	"github.com/KumoCorp/kumomta/internal/lifecycle"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/shaping"
)

var readyDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ready_queue_depth",
	Help: "number of messages waiting in each ready queue",
}, []string{"queue"})

func init() {
	prometheus.MustRegister(readyDepth)
}

// ErrQueueFull is returned by Insert when the FIFO stayed full past the
// configured delay. The scheduled queue responds by deferring the message.
var ErrQueueFull = errors.New("ready: queue is full")

// SuspendedError is returned by Insert while an operator suspension of the
// ready queue is active.
type SuspendedError struct {
	Until  time.Time
	Reason string
}

func (err SuspendedError) Error() string {
	return fmt.Sprintf("ready: queue suspended until %v: %s", err.Until, err.Reason)
}

func (SuspendedError) Temporary() bool {
	return true
}

// RecipientStatus is the per-recipient outcome of one transaction.
// A nil Err means the recipient was delivered.
type RecipientStatus struct {
	Recipient string
	Err       error
}

// Session is one open protocol session that can run message transactions.
type Session interface {
	// DeliverBatch runs one transaction for the message covering the given
	// recipients. A session-level failure (connect loss, DATA refusal for
	// the whole set) is reported as the error; per-recipient RCPT outcomes
	// go into the statuses.
	DeliverBatch(ctx context.Context, msg *message.Message, recipients []string) ([]RecipientStatus, error)

	// Peer describes the remote endpoint for logging, nil for local
	// protocols.
	Peer() *dns.ResolvedAddress

	TLSInfo() *TLSInfo

	Close() error
}

// TLSInfo mirrors logging.TLSInfo without importing it here.
type TLSInfo struct {
	Cipher          string
	ProtocolVersion string
}

// Connector opens protocol sessions for a ready queue.
type Connector interface {
	Name() string
	Connect(ctx context.Context, q *Queue) (Session, error)
}

// Requeuer sends a message back to its scheduled queue. immediate requests
// an elevated-priority retry (due now); otherwise the scheduled queue
// computes the backoff delay and handles max-age expiry.
type Requeuer func(ctx context.Context, msg *message.Message, immediate bool)

// Dispositioner records one delivery outcome; the logging package
// implements it. Indirection keeps this package testable without spinning
// up logger instances.
type Dispositioner func(ctx context.Context, d Disposition)

// Disposition mirrors logging.Disposition for the fields the dispatcher
// produces.
type Disposition struct {
	Kind         string
	Msg          *message.Message
	Recipient    string
	Recipients   []string
	QueueName    string
	SiteName     string
	PeerAddress  *dns.ResolvedAddress
	Err          error
	EgressPool   string
	EgressSource string
	Protocol     string
	SessionID    string
}

// Config carries the construction parameters of one ready queue.
type Config struct {
	SiteName     string
	EgressSource string
	EgressPool   string
	Protocol     string

	// RoutingDomain is the domain whose MX set the dispatcher connects
	// to; it is the routing_domain override when one is present on the
	// queue, the recipient domain otherwise.
	RoutingDomain string

	Path shaping.EgressPathConfig

	Connector Connector
	Requeue   Requeuer
	Dispose   Dispositioner

	Log log.Logger
}

// Queue is one ready queue.
type Queue struct {
	name string

	mu      sync.Mutex
	config  Config
	fifo    chan *message.Message
	workers int

	lastActivity time.Time

	wg sync.WaitGroup
}

func newQueue(config Config) *Queue {
	if config.Path.MaxReady == 0 {
		config.Path = shaping.DefaultEgressPathConfig()
	}
	q := &Queue{
		name:         fmt.Sprintf("%s->%s@%s", config.EgressSource, config.SiteName, config.Protocol),
		config:       config,
		fifo:         make(chan *message.Message, config.Path.MaxReady),
		lastActivity: time.Now(),
	}
	if q.config.Log.Name == "" {
		q.config.Log = log.Logger{Name: "ready/" + q.name}
	}
	return q
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) SiteName() string {
	return q.config.SiteName
}

func (q *Queue) EgressSource() string {
	return q.config.EgressSource
}

func (q *Queue) RoutingDomain() string {
	return q.config.RoutingDomain
}

// PathConfig returns the current egress path tuning.
func (q *Queue) PathConfig() shaping.EgressPathConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.config.Path
}

// UpdatePathConfig installs a refreshed tuning; workers pick it up on
// their next transaction boundary.
func (q *Queue) UpdatePathConfig(path shaping.EgressPathConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.config.Path = path
}

// Insert places the message into the FIFO, waiting up to
// ready_queue_full_delay for space. It refuses with SuspendedError while an
// operator suspension is active and with ErrQueueFull on sustained
// backpressure.
func (q *Queue) Insert(ctx context.Context, msg *message.Message) error {
	if entry := admin.ReadyQueueSuspends.Match(q.config.SiteName); entry != nil {
		return SuspendedError{Until: entry.Expires, Reason: entry.Reason}
	}
	if lifecycle.IsShuttingDown() {
		return lifecycle.ErrShuttingDown
	}

	q.mu.Lock()
	q.lastActivity = time.Now()
	q.mu.Unlock()

	select {
	case q.fifo <- msg:
	default:
		delay := q.PathConfig().ReadyQueueFullDelay.Std()
		if delay <= 0 {
			return ErrQueueFull
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case q.fifo <- msg:
		case <-timer.C:
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	readyDepth.WithLabelValues(q.name).Set(float64(len(q.fifo)))
	q.maybeSpawnWorker()
	return nil
}

// Depth is the number of messages currently waiting.
func (q *Queue) Depth() int {
	return len(q.fifo)
}

func (q *Queue) maybeSpawnWorker() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.workers >= q.config.Path.ConnectionLimit {
		return
	}
	if len(q.fifo) == 0 {
		return
	}
	q.workers++
	q.wg.Add(1)
	session := uuid.New()
	go q.runDispatcher(session)
}

func (q *Queue) workerExited() {
	q.mu.Lock()
	q.workers--
	q.mu.Unlock()
	q.wg.Done()
}

// idle reports whether the queue has been empty with no workers for at
// least the given interval.
func (q *Queue) idle(interval time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers == 0 && len(q.fifo) == 0 &&
		time.Since(q.lastActivity) >= interval
}

// Wait blocks until all dispatcher workers exited. Used during shutdown.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Manager is the registry of live ready queues.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager() *Manager {
	return &Manager{queues: map[string]*Queue{}}
}

func queueKey(site, source, protocol string) string {
	return site + "|" + source + "|" + protocol
}

// GetOrCreate returns the ready queue for the key, constructing it on
// first use.
func (m *Manager) GetOrCreate(config Config) *Queue {
	key := queueKey(config.SiteName, config.EgressSource, config.Protocol)
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		return q
	}
	q := newQueue(config)
	m.queues[key] = q
	return q
}

// Reap removes queues that have been idle past the interval.
func (m *Manager) Reap(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, q := range m.queues {
		if q.idle(interval) {
			delete(m.queues, key)
		}
	}
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

// WaitAll blocks until every dispatcher exited. Used during shutdown.
func (m *Manager) WaitAll() {
	for _, q := range m.All() {
		q.Wait()
	}
}
