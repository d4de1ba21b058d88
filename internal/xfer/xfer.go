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

// Package xfer implements node-to-node message transfer: a queue can be
// drained to another node, which re-schedules the messages as if they had
// been received locally.
package xfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/message"
)

// metaPriorNode records which node shipped the message to us; receiving a
// message that we shipped ourselves indicates a routing loop.
const metaPriorNode = "xfer_prior_node"

// InjectPath is the wire endpoint; the serialized message travels
// gzip-compressed in the request body.
const InjectPath = "/api/xfer/inject/v1"

// Inserter re-enqueues a received message; the queue manager implements
// it.
type Inserter interface {
	Insert(ctx context.Context, msg *message.Message, reason string) error
}

// Server handles inbound transfers.
type Server struct {
	// NodeID identifies this node in loop checks.
	NodeID string

	// TrustedPeers limits which remote addresses may inject; empty
	// refuses everyone.
	TrustedPeers []*net.IPNet

	Queues Inserter

	Log log.Logger
}

func (s *Server) trusted(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.TrustedPeers {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Attach registers the inject endpoint on the router.
func (s *Server) Attach(r chi.Router) {
	r.Post(InjectPath, s.handleInject)
}

func (s *Server) handleInject(w http.ResponseWriter, req *http.Request) {
	if !s.trusted(req.RemoteAddr) {
		http.Error(w, "untrusted peer", http.StatusForbidden)
		return
	}

	msg, err := message.DeserializeFromXfer(req.Body)
	if err != nil {
		s.Log.Error("malformed xfer payload", err, "peer", req.RemoteAddr)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prior, err := msg.GetMetaString(metaPriorNode)
	if err == nil && prior == s.NodeID {
		s.Log.Msg("rejecting xfer loop", "id", msg.ID(), "peer", req.RemoteAddr)
		http.Error(w, "transfer loop detected", http.StatusConflict)
		return
	}

	if err := msg.Save(req.Context()); err != nil {
		s.Log.Error("spooling transferred message", err, "id", msg.ID())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The saved due time survives the transfer, so suspended or backed-off
	// messages do not thunder in immediately on the new node.
	if err := s.Queues.Insert(req.Context(), msg, "xfer"); err != nil {
		s.Log.Error("enqueueing transferred message", err, "id", msg.ID())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": msg.ID().String()})
}

// Client ships messages to a peer node.
type Client struct {
	// BaseURL of the peer, e.g. "http://other-node:8000".
	BaseURL string

	// NodeID is stamped into the message so the peer can detect loops.
	NodeID string

	HTTPClient *http.Client
}

// Send transfers one message. The caller removes it from the local spool
// once Send succeeds.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	if err := msg.SetMeta(metaPriorNode, c.NodeID); err != nil {
		return err
	}

	payload, err := msg.SerializeForXfer(ctx)
	if err != nil {
		return err
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+InjectPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("xfer: peer answered %s", resp.Status)
	}
	return nil
}
