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

package message

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/KumoCorp/kumomta/internal/spool"
)

func withSpool(t *testing.T) {
	t.Helper()
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
}

func TestQueueNameComposition(t *testing.T) {
	cases := []struct {
		components QueueNameComponents
		want       string
	}{
		{QueueNameComponents{Domain: "Example.Com"}, "example.com"},
		{QueueNameComponents{Tenant: "acme", Domain: "example.com"}, "acme@example.com"},
		{
			QueueNameComponents{Campaign: "spring", Tenant: "acme", Domain: "example.com"},
			"spring:acme@example.com",
		},
		{
			QueueNameComponents{Domain: "example.com", RoutingDomain: "relay.example.net"},
			"example.com!relay.example.net",
		},
	}

	for _, tc := range cases {
		got := tc.components.String()
		if got != tc.want {
			t.Errorf("%+v -> %q, want %q", tc.components, got, tc.want)
			continue
		}
		parsed := ParseQueueName(got)
		if parsed.String() != got {
			t.Errorf("parse round trip: %q -> %+v -> %q", got, parsed, parsed.String())
		}
	}
}

func TestQueueNameFromMeta(t *testing.T) {
	withSpool(t)

	msg := New("sender@origin.example", []string{"rcpt@Example.Com"}, []byte("data"))
	name, err := msg.QueueName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "example.com" {
		t.Errorf("queue name = %q", name)
	}

	msg.SetMeta("campaign", "spring")
	msg.SetMeta("tenant", "acme")
	msg.SetMeta("routing_domain", "relay.example.net")

	name, err = msg.QueueName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "spring:acme@example.com!relay.example.net" {
		t.Errorf("queue name = %q", name)
	}

	// An explicit queue assignment wins over the composition.
	msg.SetMeta("queue", "special")
	name, err = msg.QueueName()
	if err != nil {
		t.Fatal(err)
	}
	if name != "special" {
		t.Errorf("queue name = %q", name)
	}
}

func TestSaveLoadUnload(t *testing.T) {
	withSpool(t)
	ctx := context.Background()

	original := New("sender@example.com", []string{"one@example.org", "two@example.org"},
		[]byte("Subject: hi\r\n\r\nbody"))
	original.SetMeta("tenant", "acme")

	// Dirty state cannot be unloaded.
	if err := original.UnloadData(); !errors.Is(err, ErrDirty) {
		t.Fatalf("unloading dirty data: %v", err)
	}
	if err := original.UnloadMeta(); !errors.Is(err, ErrDirty) {
		t.Fatalf("unloading dirty meta: %v", err)
	}

	if err := original.Save(ctx); err != nil {
		t.Fatal(err)
	}

	// Clean state unloads and hydrates back from the spool.
	if err := original.UnloadData(); err != nil {
		t.Fatal(err)
	}
	if original.IsDataLoaded() {
		t.Fatal("data still loaded after UnloadData")
	}
	if err := original.LoadDataIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(original.Data(), []byte("Subject: hi\r\n\r\nbody")) {
		t.Fatal("data changed across unload/load")
	}

	// A fresh handle sees everything that was saved.
	restored := LoadFromSpool(original.ID())
	if err := restored.LoadMetaIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}
	if restored.Sender() != "sender@example.com" {
		t.Errorf("sender = %q", restored.Sender())
	}
	if got := restored.Recipients(); len(got) != 2 || got[0] != "one@example.org" {
		t.Errorf("recipients = %v", got)
	}
	tenant, err := restored.GetMetaString("tenant")
	if err != nil || tenant != "acme" {
		t.Errorf("tenant = %q, %v", tenant, err)
	}

	// Removal drops both parts.
	if err := original.RemoveFromSpool(ctx); err != nil {
		t.Fatal(err)
	}
	gone := LoadFromSpool(original.ID())
	if err := gone.LoadMetaIfNeeded(ctx); !errors.Is(err, spool.ErrNotFound) {
		t.Fatalf("metadata survived removal: %v", err)
	}
}

func TestMetaCoercions(t *testing.T) {
	withSpool(t)

	msg := New("s@example.com", []string{"r@example.com"}, nil)

	msg.SetMeta("str", "value")
	msg.SetMeta("num", 42)
	msg.SetMeta("flag", true)

	if got, err := msg.GetMetaString("str"); err != nil || got != "value" {
		t.Errorf("str = %q, %v", got, err)
	}
	if got, err := msg.GetMetaString("num"); err != nil || got != "42" {
		t.Errorf("num = %q, %v", got, err)
	}
	if got, err := msg.GetMetaString("absent"); err != nil || got != "" {
		t.Errorf("absent = %q, %v", got, err)
	}
	if !msg.MetaBool("flag") {
		t.Error("flag should read true")
	}

	msg.UnsetMeta("str")
	if got, _ := msg.GetMetaString("str"); got != "" {
		t.Errorf("str survived UnsetMeta: %q", got)
	}
}

func TestXferRoundTrip(t *testing.T) {
	withSpool(t)
	ctx := context.Background()

	msg := New("s@example.com", []string{"r@example.org"}, []byte("payload"))
	msg.SetMeta("campaign", "spring")
	msg.IncrementAttempts()

	wire, err := msg.SerializeForXfer(ctx)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := DeserializeFromXfer(bytes.NewReader(wire))
	if err != nil {
		t.Fatal(err)
	}

	if restored.ID() != msg.ID() {
		t.Errorf("id changed in transfer: %v -> %v", msg.ID(), restored.ID())
	}
	if restored.Sender() != "s@example.com" {
		t.Errorf("sender = %q", restored.Sender())
	}
	if !bytes.Equal(restored.Data(), []byte("payload")) {
		t.Error("data changed in transfer")
	}
	if restored.NumAttempts() != 1 {
		t.Errorf("attempts = %d", restored.NumAttempts())
	}
	campaign, err := restored.GetMetaString("campaign")
	if err != nil || campaign != "spring" {
		t.Errorf("campaign = %q, %v", campaign, err)
	}
}
