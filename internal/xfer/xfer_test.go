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

package xfer

import (
	"context"
	"net"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/spool"
)

type capturingInserter struct {
	mu       sync.Mutex
	inserted []*message.Message
}

func (c *capturingInserter) Insert(ctx context.Context, msg *message.Message, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserted = append(c.inserted, msg)
	return nil
}

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

func testServer(t *testing.T, nodeID string, inserter Inserter) *httptest.Server {
	t.Helper()
	_, anyV4, _ := net.ParseCIDR("0.0.0.0/0")
	_, anyV6, _ := net.ParseCIDR("::/0")

	router := chi.NewRouter()
	server := &Server{
		NodeID:       nodeID,
		TrustedPeers: []*net.IPNet{anyV4, anyV6},
		Queues:       inserter,
	}
	server.Attach(router)

	httpServer := httptest.NewServer(router)
	t.Cleanup(httpServer.Close)
	return httpServer
}

func TestTransferRoundTrip(t *testing.T) {
	withSpool(t)

	inserter := &capturingInserter{}
	httpServer := testServer(t, "node-b", inserter)

	msg := message.New("s@example.com", []string{"r@example.org"}, []byte("payload"))
	msg.SetMeta("campaign", "spring")

	client := &Client{BaseURL: httpServer.URL, NodeID: "node-a", HTTPClient: httpServer.Client()}
	if err := client.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	inserter.mu.Lock()
	defer inserter.mu.Unlock()
	if len(inserter.inserted) != 1 {
		t.Fatalf("inserted %d messages", len(inserter.inserted))
	}
	received := inserter.inserted[0]
	if received.ID() != msg.ID() {
		t.Errorf("id changed: %v -> %v", msg.ID(), received.ID())
	}
	prior, err := received.GetMetaString("xfer_prior_node")
	if err != nil || prior != "node-a" {
		t.Errorf("prior node = %q, %v", prior, err)
	}
}

func TestTransferLoopRejected(t *testing.T) {
	withSpool(t)

	inserter := &capturingInserter{}
	// The receiving node has the same id the client stamps: a loop.
	httpServer := testServer(t, "node-a", inserter)

	msg := message.New("s@example.com", []string{"r@example.org"}, []byte("payload"))

	client := &Client{BaseURL: httpServer.URL, NodeID: "node-a", HTTPClient: httpServer.Client()}
	if err := client.Send(context.Background(), msg); err == nil {
		t.Fatal("expected the loop to be rejected")
	}

	inserter.mu.Lock()
	defer inserter.mu.Unlock()
	if len(inserter.inserted) != 0 {
		t.Fatal("looped message was enqueued anyway")
	}
}

func TestUntrustedPeerRejected(t *testing.T) {
	withSpool(t)

	router := chi.NewRouter()
	server := &Server{NodeID: "node-b", Queues: &capturingInserter{}}
	server.Attach(router)
	httpServer := httptest.NewServer(router)
	defer httpServer.Close()

	msg := message.New("s@example.com", []string{"r@example.org"}, []byte("payload"))
	client := &Client{BaseURL: httpServer.URL, NodeID: "node-a", HTTPClient: httpServer.Client()}
	if err := client.Send(context.Background(), msg); err == nil {
		t.Fatal("expected an untrusted peer to be refused")
	}
}
