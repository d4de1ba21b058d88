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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/KumoCorp/kumomta/internal/classify"
	"github.com/KumoCorp/kumomta/internal/smtpconn"
)

func TestFileSinkSegments(t *testing.T) {
	dir := t.TempDir()

	if _, err := Init(InstanceParams{
		Name:   "files",
		LogDir: dir,
	}); err != nil {
		t.Fatal(err)
	}

	LogDisposition(context.Background(), Disposition{
		Kind:      Delivery,
		Recipient: "rcpt@example.com",
		QueueName: "example.com",
		Response:  ResponseFor(nil),
	})
	LogDisposition(context.Background(), Disposition{
		Kind:      TransientFailure,
		Recipient: "rcpt2@example.com",
		QueueName: "example.com",
		Response:  smtpconn.Response{Code: 452, Content: "slow down"},
	})

	// Shutdown flushes and finalizes the open segment.
	Shutdown()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one segment, found %d", len(entries))
	}

	path := filepath.Join(dir, entries[0].Name())

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o200 != 0 {
		t.Error("completed segment should have the write bit cleared")
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		t.Fatal(err)
	}
	defer decoder.Close()

	var records []JSONLogRecord
	scanner := bufio.NewScanner(decoder)
	for scanner.Scan() {
		var record JSONLogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("bad record line %q: %v", scanner.Text(), err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(records) != 2 {
		t.Fatalf("read %d records, want 2", len(records))
	}
	if records[0].Type != Delivery || records[0].Recipient != "rcpt@example.com" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].Type != TransientFailure || records[1].Response.Code != 452 {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestStartupFinalizesStaleSegments(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "20200101-000000.000000000")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Init(InstanceParams{Name: "restart", LogDir: dir}); err != nil {
		t.Fatal(err)
	}
	defer Shutdown()

	info, err := os.Stat(stale)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o200 != 0 {
		t.Error("stale segment was not marked completed at startup")
	}
}

func TestPerRecordEnableAndHook(t *testing.T) {
	var mu sync.Mutex
	var captured []RecordType

	if _, err := Init(InstanceParams{
		Name: "hook",
		Hook: func(record *JSONLogRecord) error {
			mu.Lock()
			captured = append(captured, record.Type)
			mu.Unlock()
			return nil
		},
		PerRecord: map[RecordType]bool{
			Delivery: false,
			Any:      true,
		},
	}); err != nil {
		t.Fatal(err)
	}

	LogDisposition(context.Background(), Disposition{Kind: Delivery, Response: ResponseFor(nil)})
	LogDisposition(context.Background(), Disposition{Kind: Bounce, Response: smtpconn.Response{Code: 550, Content: "no"}})

	Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 1 || captured[0] != Bounce {
		t.Errorf("captured = %v, want only the Bounce record", captured)
	}
}

func TestExpirationClassification(t *testing.T) {
	dir := t.TempDir()
	instance, err := Init(InstanceParams{Name: "classify", LogDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer Shutdown()

	record := instance.buildRecord(context.Background(), Disposition{
		Kind:     Expiration,
		Response: smtpconn.Response{Code: 551, Content: "too old"},
	})
	if record.BounceClassification != classify.MessageExpired {
		t.Errorf("classification = %v", record.BounceClassification)
	}
}

func TestSegmentRotationBySize(t *testing.T) {
	dir := t.TempDir()

	if _, err := Init(InstanceParams{
		Name:            "rotate",
		LogDir:          dir,
		MaxSegmentBytes: 1, // every record rotates
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		LogDisposition(context.Background(), Disposition{
			Kind:     Delivery,
			Response: ResponseFor(nil),
		})
	}
	// Give the worker a moment to drain before flushing.
	time.Sleep(100 * time.Millisecond)
	Shutdown()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("expected multiple segments, found %d", len(entries))
	}
}
