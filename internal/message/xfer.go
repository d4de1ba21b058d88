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
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/KumoCorp/kumomta/internal/spool"
)

// xferEnvelope is the wire form used for node-to-node message transfer.
// It must remain stable across versions that can exchange messages.
type xferEnvelope struct {
	ID   string    `json:"id"`
	Meta metaBlock `json:"meta"`
	Data []byte    `json:"data"`
}

// SerializeForXfer renders the message, gzip-compressed, for transfer to
// another node. Both parts must be saved or resident; unloaded parts are
// hydrated from the spool.
func (m *Message) SerializeForXfer(ctx context.Context) ([]byte, error) {
	if err := m.LoadMetaIfNeeded(ctx); err != nil {
		return nil, err
	}
	if err := m.LoadDataIfNeeded(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	envelope := xferEnvelope{
		ID:   m.id.String(),
		Meta: *m.meta,
		Data: m.data,
	}
	m.mu.Unlock()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(&envelope); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeFromXfer reconstructs a message from its wire form. The
// message keeps the id assigned by the originating node and is returned
// loaded and dirty; the caller is expected to Save it.
func DeserializeFromXfer(r io.Reader) (*Message, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("message: bad xfer compression: %w", err)
	}
	defer gz.Close()

	var envelope xferEnvelope
	if err := json.NewDecoder(gz).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("message: bad xfer envelope: %w", err)
	}

	id, err := spool.ParseID(envelope.ID)
	if err != nil {
		return nil, err
	}
	meta := envelope.Meta
	if meta.Meta == nil {
		meta.Meta = map[string]json.RawMessage{}
	}

	return &Message{
		id:         id,
		data:       envelope.Data,
		dataLoaded: true,
		dataDirty:  true,
		meta:       &meta,
		metaLoaded: true,
		metaDirty:  true,
	}, nil
}
