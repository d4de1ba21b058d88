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

// End-to-end delivery tests covering the multi-recipient 452
// disambiguation behavior against a scripted SMTP sink.
package ready_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/internal/admin"
	"github.com/KumoCorp/kumomta/internal/lifecycle"
	"github.com/KumoCorp/kumomta/internal/logging"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/policy"
	"github.com/KumoCorp/kumomta/internal/queue"
	"github.com/KumoCorp/kumomta/internal/shaping"
	"github.com/KumoCorp/kumomta/internal/spool"
)

type recordCapture struct {
	mu      sync.Mutex
	records []*logging.JSONLogRecord
}

func (c *recordCapture) hook(record *logging.JSONLogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func (c *recordCapture) count(kind logging.RecordType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, record := range c.records {
		if record.Type == kind {
			count++
		}
	}
	return count
}

type engine struct {
	queues  *queue.Manager
	capture *recordCapture
	sink    *smtpSink
}

// startEngine wires the full delivery stack against a scripted sink:
// spool, shaping, scheduled queues, ready queues and a capturing logger.
func startEngine(t *testing.T, sink *smtpSink, retryInterval time.Duration) *engine {
	t.Helper()

	lifecycle.Reset()
	lifecycle.Init()
	t.Cleanup(lifecycle.Reset)
	admin.ResetForTest()
	t.Cleanup(admin.ResetForTest)
	policy.ResetForTest()
	t.Cleanup(policy.ResetForTest)

	data, err := spool.OpenLocalDisk(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := spool.OpenLocalDisk(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := spool.Register(data, meta); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { spool.Shutdown() })

	capture := &recordCapture{}
	if _, err := logging.Init(logging.InstanceParams{Name: "capture", Hook: capture.hook}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(logging.Shutdown)

	resolver := dns.NewMXResolver(&mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.com.": {
				MX: []net.MX{{Host: "sink.example.com.", Pref: 10}},
			},
			"sink.example.com.": {
				A: []string{"127.0.0.1"},
			},
		},
	}, time.Minute)

	shapingPath := filepath.Join(t.TempDir(), "shaping.toml")
	shapingContent := fmt.Sprintf(`
["example.com"]
mx_rollup = false
smtp_port = %d
enable_tls = "Disabled"
idle_timeout = "500ms"
connection_limit = 2
`, sink.port())
	if err := os.WriteFile(shapingPath, []byte(shapingContent), 0o600); err != nil {
		t.Fatal(err)
	}
	snapshot, err := shaping.MergeFiles(context.Background(), resolver, []string{shapingPath})
	if err != nil {
		t.Fatal(err)
	}

	config := queue.DefaultConfig()
	config.RetryInterval = shaping.Duration(retryInterval)
	policy.Register(queue.EventGetQueueConfig, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return &config, nil
	})

	queues := queue.NewManager(resolver, "mta.test.example")
	queues.SetShaping(snapshot)
	t.Cleanup(queues.Shutdown)

	return &engine{queues: queues, capture: capture, sink: sink}
}

func (e *engine) inject(t *testing.T, recipients ...string) *message.Message {
	t.Helper()
	msg := message.New("sender@origin.example", recipients,
		[]byte("Subject: batch test\r\n\r\nhello\r\n"))
	if err := msg.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.capture.mu.Lock()
	e.capture.records = append(e.capture.records, &logging.JSONLogRecord{Type: logging.Reception})
	e.capture.mu.Unlock()
	if err := e.queues.Insert(context.Background(), msg, "reception"); err != nil {
		t.Fatal(err)
	}
	return msg
}

func waitFor(t *testing.T, what string, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Scenario: six recipients, one permanently-full mailbox answering a bare
// ambiguous 452, and a sink that accepts at most four recipients per
// transaction. The 452'd recipients are re-batched together once; the
// repeat failure is then logged and scheduled normally.
func TestBatch452Ambiguous(t *testing.T) {
	sink := startSink(t, 4)
	engine := startEngine(t, sink, time.Hour)

	engine.inject(t,
		"recip1@example.com",
		"full1@example.com",
		"recip2@example.com",
		"recip3@example.com",
		"recip4@example.com",
		"recip5@example.com",
	)

	waitFor(t, "two delivery transactions and one transient failure", 10*time.Second, func() bool {
		return engine.capture.count(logging.Delivery) >= 2 &&
			engine.capture.count(logging.TransientFailure) >= 1
	})
	// Give any misbehaving extra work a moment to show up.
	time.Sleep(200 * time.Millisecond)

	if got := engine.capture.count(logging.Reception); got != 1 {
		t.Errorf("Reception = %d, want 1", got)
	}
	if got := engine.capture.count(logging.Delivery); got != 2 {
		t.Errorf("Delivery = %d, want 2", got)
	}
	if got := engine.capture.count(logging.TransientFailure); got != 1 {
		t.Errorf("TransientFailure = %d, want 1", got)
	}
	if got := sink.storedCount(); got != 5 {
		t.Errorf("stored = %d, want 5", got)
	}
	rejections, receptions := sink.counters()
	if rejections != 3 {
		t.Errorf("sink rejections = %d, want 3", rejections)
	}
	if receptions != 2 {
		t.Errorf("sink receptions = %d, want 2", receptions)
	}
}

// Scenario: the same shape, but the full mailbox answers with an enhanced
// status code. The code attributes the failure to the recipient so no
// batch-splitting machinery engages; the accounting is identical.
func TestBatch452Unambiguous(t *testing.T) {
	sink := startSink(t, 4)
	engine := startEngine(t, sink, time.Hour)

	engine.inject(t,
		"recip1@example.com",
		"full-enh1@example.com",
		"recip2@example.com",
		"recip3@example.com",
		"recip4@example.com",
		"recip5@example.com",
	)

	waitFor(t, "two delivery transactions and one transient failure", 10*time.Second, func() bool {
		return engine.capture.count(logging.Delivery) >= 2 &&
			engine.capture.count(logging.TransientFailure) >= 1
	})
	time.Sleep(200 * time.Millisecond)

	if got := engine.capture.count(logging.Delivery); got != 2 {
		t.Errorf("Delivery = %d, want 2", got)
	}
	if got := engine.capture.count(logging.TransientFailure); got != 1 {
		t.Errorf("TransientFailure = %d, want 1", got)
	}
	if got := sink.storedCount(); got != 5 {
		t.Errorf("stored = %d, want 5", got)
	}
}

// Scenario: a single-recipient transaction answering a bare 452. With
// N=1 there is nothing ambiguous: one transient failure, no splitting,
// nothing stored.
func TestBatch452SingleRecipient(t *testing.T) {
	sink := startSink(t, 4)
	engine := startEngine(t, sink, time.Hour)

	engine.inject(t, "full1@example.com")

	waitFor(t, "one transient failure", 10*time.Second, func() bool {
		return engine.capture.count(logging.TransientFailure) >= 1
	})
	time.Sleep(200 * time.Millisecond)

	if got := engine.capture.count(logging.TransientFailure); got != 1 {
		t.Errorf("TransientFailure = %d, want 1", got)
	}
	if got := engine.capture.count(logging.Delivery); got != 0 {
		t.Errorf("Delivery = %d, want 0", got)
	}
	if got := sink.storedCount(); got != 0 {
		t.Errorf("stored = %d, want 0", got)
	}
	rejections, _ := sink.counters()
	if rejections != 1 {
		t.Errorf("sink rejections = %d, want 1", rejections)
	}
}

// Scenario: the pathological two-recipient case where both recipients
// always answer a bare 452. The batch may be retried together exactly
// once; the next round falls back to per-recipient transactions, so the
// total is bounded: one group failure plus one per recipient.
func TestBatch452Pathological(t *testing.T) {
	sink := startSink(t, 4)
	engine := startEngine(t, sink, 100*time.Millisecond)

	engine.inject(t, "full1@example.com", "full2@example.com")

	waitFor(t, "the bounded transient failure total", 10*time.Second, func() bool {
		return engine.capture.count(logging.TransientFailure) >= 3
	})

	if got := engine.capture.count(logging.TransientFailure); got != 3 {
		t.Errorf("TransientFailure = %d, want exactly 3 at this point", got)
	}
	rejections, _ := sink.counters()
	if rejections != 6 {
		t.Errorf("sink rejections = %d, want 6 (2+2 batched, 1+1 individual)", rejections)
	}
	if got := sink.storedCount(); got != 0 {
		t.Errorf("stored = %d, want 0", got)
	}
}
