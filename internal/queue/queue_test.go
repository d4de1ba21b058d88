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
	"context"
	"errors"
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

func (c *recordCapture) byType(kind logging.RecordType) []*logging.JSONLogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []*logging.JSONLogRecord
	for _, record := range c.records {
		if record.Type == kind {
			matched = append(matched, record)
		}
	}
	return matched
}

func setupQueueTest(t *testing.T) (*Manager, *recordCapture) {
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

	resolver := dns.NewMXResolver(&mockdns.Resolver{Zones: map[string]mockdns.Zone{}}, time.Minute)
	manager := NewManager(resolver, "mta.test.example")
	t.Cleanup(func() {
		for _, q := range manager.All() {
			q.Close()
		}
	})
	return manager, capture
}

// parkedMessage builds a message whose due time is far in the future so
// that it stays observable in the scheduled queue.
func parkedMessage(t *testing.T, recipient string) *message.Message {
	t.Helper()
	msg := message.New("sender@origin.example", []string{recipient}, []byte("Subject: x\r\n\r\nbody"))
	due := time.Now().Add(time.Hour)
	msg.SetDue(&due)
	if err := msg.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	return msg
}

func spoolHas(t *testing.T, msg *message.Message) bool {
	t.Helper()
	store, err := spool.Get(spool.Meta)
	if err != nil {
		t.Fatal(err)
	}
	_, loadErr := store.Load(context.Background(), msg.ID())
	if loadErr == nil {
		return true
	}
	if errors.Is(loadErr, spool.ErrNotFound) {
		return false
	}
	t.Fatal(loadErr)
	return false
}

func waitForRecords(t *testing.T, capture *recordCapture, kind logging.RecordType, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(capture.byType(kind)) >= count {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("did not observe %d %s records; have %d", count, kind, len(capture.byType(kind)))
}

func TestAdminBouncePrecedence(t *testing.T) {
	manager, capture := setupQueueTest(t)
	ctx := context.Background()

	admin.Bounces.Add(&admin.Entry{
		Domain:  strPtr("example.com"),
		Reason:  "operator cleanup",
		Expires: time.Now().Add(time.Hour),
	})

	msg := parkedMessage(t, "victim@example.com")
	if err := manager.Insert(ctx, msg, "test"); err != nil {
		t.Fatal(err)
	}

	// The message must be terminated, not enqueued, regardless of its
	// parked due time.
	if got := manager.GetOrCreate("example.com").Len(); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
	if spoolHas(t, msg) {
		t.Error("bounced message survived in the spool")
	}

	waitForRecords(t, capture, logging.AdminBounce, 1)
	record := capture.byType(logging.AdminBounce)[0]
	if record.Queue != "example.com" {
		t.Errorf("record queue = %q", record.Queue)
	}
}

func TestAdminBounceSuppressLogging(t *testing.T) {
	manager, capture := setupQueueTest(t)
	ctx := context.Background()

	admin.Bounces.Add(&admin.Entry{
		Domain:          strPtr("example.com"),
		Reason:          "quiet cleanup",
		Expires:         time.Now().Add(time.Hour),
		SuppressLogging: true,
	})

	msg := parkedMessage(t, "victim@example.com")
	if err := manager.Insert(ctx, msg, "test"); err != nil {
		t.Fatal(err)
	}
	if spoolHas(t, msg) {
		t.Error("bounced message survived in the spool")
	}

	time.Sleep(100 * time.Millisecond)
	if got := capture.byType(logging.AdminBounce); len(got) != 0 {
		t.Errorf("suppressed bounce still logged %d records", len(got))
	}
}

func TestAdminSuspendDelays(t *testing.T) {
	manager, _ := setupQueueTest(t)
	ctx := context.Background()

	admin.Suspends.Add(&admin.Entry{
		Domain:  strPtr("example.com"),
		Reason:  "provider asked us to back off",
		Expires: time.Now().Add(time.Hour),
	})

	msg := message.New("sender@origin.example", []string{"rcpt@example.com"}, []byte("body"))
	if err := manager.Insert(ctx, msg, "test"); err != nil {
		t.Fatal(err)
	}

	q := manager.GetOrCreate("example.com")
	if got := q.Len(); got != 1 {
		t.Fatalf("queue length = %d, want the message to be parked", got)
	}
	if !spoolHas(t, msg) {
		t.Error("suspended message must stay in the spool")
	}
}

func TestExpiryOnInsert(t *testing.T) {
	manager, capture := setupQueueTest(t)
	ctx := context.Background()

	// After two attempts, the accumulated backoff ahead of attempt 3
	// (2h+4h) exceeds max_age (1m), so re-inserting the message expires it.
	config := DefaultConfig()
	config.RetryInterval = shaping.Duration(time.Hour)
	config.MaxAge = shaping.Duration(time.Minute)
	policy.Register(EventGetQueueConfig, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return &config, nil
	})

	msg := message.New("sender@origin.example", []string{"rcpt@example.com"}, []byte("body"))
	msg.IncrementAttempts()
	msg.IncrementAttempts()
	if err := msg.Save(ctx); err != nil {
		t.Fatal(err)
	}

	if err := manager.Insert(ctx, msg, "test"); err != nil {
		t.Fatal(err)
	}

	waitForRecords(t, capture, logging.Expiration, 1)
	if spoolHas(t, msg) {
		t.Error("expired message survived in the spool")
	}
	if got := manager.GetOrCreate("example.com").Len(); got != 0 {
		t.Errorf("queue length = %d", got)
	}
}

func TestBounceAllDrains(t *testing.T) {
	manager, capture := setupQueueTest(t)
	ctx := context.Background()

	first := parkedMessage(t, "one@example.com")
	second := parkedMessage(t, "two@example.com")
	other := parkedMessage(t, "three@example.org")
	for _, msg := range []*message.Message{first, second, other} {
		if err := manager.Insert(ctx, msg, "test"); err != nil {
			t.Fatal(err)
		}
	}

	entry := &admin.Entry{
		Domain:  strPtr("example.com"),
		Reason:  "drain",
		Expires: time.Now().Add(time.Hour),
	}
	admin.Bounces.Add(entry)
	manager.ApplyBounce(entry)

	waitForRecords(t, capture, logging.AdminBounce, 2)
	if spoolHas(t, first) || spoolHas(t, second) {
		t.Error("drained messages survived in the spool")
	}
	if !spoolHas(t, other) {
		t.Error("non-matching queue was drained too")
	}
	if got := manager.GetOrCreate("example.org").Len(); got != 1 {
		t.Errorf("example.org length = %d", got)
	}

	hits := entry.Hits()
	if hits["example.com"] != 2 {
		t.Errorf("hits = %v", hits)
	}
}

func TestRebindRekeysMessages(t *testing.T) {
	manager, _ := setupQueueTest(t)
	ctx := context.Background()

	msg := parkedMessage(t, "rcpt@example.com")
	if err := manager.Insert(ctx, msg, "test"); err != nil {
		t.Fatal(err)
	}

	entry := &admin.Entry{
		Domain:   strPtr("example.com"),
		Reason:   "move traffic",
		Expires:  time.Now().Add(time.Hour),
		RebindTo: map[string]string{"queue": "parking.example"},
	}
	admin.Rebinds.Add(entry)
	manager.ApplyRebind(entry)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if manager.GetOrCreate("parking.example").Len() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := manager.GetOrCreate("parking.example").Len(); got != 1 {
		t.Fatalf("rebound queue length = %d", got)
	}
	if got := manager.GetOrCreate("example.com").Len(); got != 0 {
		t.Errorf("original queue length = %d", got)
	}
}

func TestInsertRejectedDuringShutdown(t *testing.T) {
	manager, _ := setupQueueTest(t)
	ctx := context.Background()

	lifecycle.InitiateShutdown()

	msg := parkedMessage(t, "rcpt@example.com")
	if err := manager.Insert(ctx, msg, "test"); !errors.Is(err, lifecycle.ErrShuttingDown) {
		t.Errorf("Insert during shutdown: %v", err)
	}
}

func strPtr(s string) *string {
	return &s
}
