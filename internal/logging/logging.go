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

// Package logging records delivery dispositions as a structured JSON event
// stream.
//
// Each configured logger instance owns a bounded channel and a worker.
// File-backed instances write zstd-compressed JSON-Lines segment files
// rotated by size and age; hook instances hand each record to a callback
// which typically re-enqueues it as a new message for the policy layer.
// Submission applies backpressure when a channel is full rather than
// dropping records, and a logging failure never aborts a delivery path.
package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/KumoCorp/kumomta/framework/dns"
	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/classify"
	"github.com/KumoCorp/kumomta/internal/message"
	"github.com/KumoCorp/kumomta/internal/policy"
	"github.com/KumoCorp/kumomta/internal/smtpconn"
)

var submitFull = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "log_submit_full",
	Help: "how many times submission of a log event hit the back pressure",
}, []string{"logger"})

func init() {
	prometheus.MustRegister(submitFull)
}

// InstanceParams configures one logger instance. Exactly one of LogDir or
// Hook must be set.
type InstanceParams struct {
	Name string

	// LogDir enables the file sink: segments are written beneath it.
	LogDir string

	// Hook enables the hook sink: every record is passed to this callback.
	Hook func(*JSONLogRecord) error

	// MaxSegmentBytes rotates a segment after this many uncompressed
	// bytes.
	MaxSegmentBytes int64

	// MaxSegmentDuration rotates a segment after this much time.
	MaxSegmentDuration time.Duration

	// CompressionLevel is the zstd level; zero uses the default.
	CompressionLevel int

	// BackPressure bounds the number of records in flight before
	// submission blocks.
	BackPressure int

	// PerRecord enables or disables record types. Use Any to set the
	// default for types not listed.
	PerRecord map[RecordType]bool

	// Meta and Headers are the metadata keys and message headers captured
	// into each record.
	Meta    []string
	Headers []string

	// FilterEvent names a policy event invoked per record; a false return
	// drops the record for this instance.
	FilterEvent string
}

func (p *InstanceParams) applyDefaults() {
	if p.MaxSegmentBytes == 0 {
		p.MaxSegmentBytes = 1_000_000_000
	}
	if p.BackPressure == 0 {
		p.BackPressure = 128_000
	}
}

func (p *InstanceParams) enabled(kind RecordType) bool {
	if flag, ok := p.PerRecord[kind]; ok {
		return flag
	}
	if flag, ok := p.PerRecord[Any]; ok {
		return flag
	}
	return true
}

// Instance is a running logger.
type Instance struct {
	params InstanceParams
	ch     chan *JSONLogRecord
	done   chan struct{}
	Log    log.Logger
}

var (
	instancesMu sync.Mutex
	instances   []*Instance

	classifierMu sync.Mutex
	classifier   *classify.Classifier
)

// SetClassifier installs the bounce classifier used to tag failure
// records.
func SetClassifier(c *classify.Classifier) {
	classifierMu.Lock()
	defer classifierMu.Unlock()
	classifier = c
}

func classifyResponse(response smtpconn.Response) classify.Class {
	classifierMu.Lock()
	c := classifier
	classifierMu.Unlock()
	if c == nil {
		return ""
	}
	return c.ClassifyResponse(response)
}

// Init starts a logger instance and adds it to the process-wide set.
func Init(params InstanceParams) (*Instance, error) {
	params.applyDefaults()
	if (params.LogDir == "") == (params.Hook == nil) {
		return nil, fmt.Errorf("logging: instance %q must have exactly one of log_dir and hook", params.Name)
	}

	if params.LogDir != "" {
		if err := os.MkdirAll(params.LogDir, 0o700); err != nil {
			return nil, err
		}
		// Segments left behind by an unclean stop are complete now.
		markExistingSegmentsDone(params.LogDir)
	}

	instance := &Instance{
		params: params,
		ch:     make(chan *JSONLogRecord, params.BackPressure),
		done:   make(chan struct{}),
		Log:    log.Logger{Name: "logging/" + params.Name},
	}
	go instance.run()

	instancesMu.Lock()
	instances = append(instances, instance)
	instancesMu.Unlock()
	return instance, nil
}

// Shutdown flushes and stops all logger instances.
func Shutdown() {
	instancesMu.Lock()
	stopped := instances
	instances = nil
	instancesMu.Unlock()

	for _, instance := range stopped {
		close(instance.ch)
		<-instance.done
	}
}

func activeInstances() []*Instance {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	return append([]*Instance(nil), instances...)
}

// Disposition describes one delivery outcome to be logged.
type Disposition struct {
	Kind             RecordType
	Msg              *message.Message
	Recipient        string
	Recipients       []string
	QueueName        string
	SiteName         string
	PeerAddress      *dns.ResolvedAddress
	Response         smtpconn.Response
	EgressPool       string
	EgressSource     string
	Provider         string
	DeliveryProtocol string
	TLSInfo          *TLSInfo
	SessionID        string
}

// LogDisposition fans the disposition out to every configured logger.
// Submission blocks when a logger's channel is full; nothing is returned to
// the delivery path.
func LogDisposition(ctx context.Context, d Disposition) {
	for _, instance := range activeInstances() {
		instance.submit(ctx, d)
	}
}

func (i *Instance) submit(ctx context.Context, d Disposition) {
	if !i.params.enabled(d.Kind) {
		return
	}

	record := i.buildRecord(ctx, d)

	if i.params.FilterEvent != "" {
		keep, handled, err := policy.Fire(ctx, i.params.FilterEvent, record)
		if err != nil {
			i.Log.Error("filter event failed", err, "event", i.params.FilterEvent)
		} else if handled {
			if flag, ok := keep.(bool); ok && !flag {
				return
			}
		}
	}

	select {
	case i.ch <- record:
	default:
		submitFull.WithLabelValues(i.params.Name).Inc()
		select {
		case i.ch <- record:
		case <-ctx.Done():
		}
	}
}

func (i *Instance) buildRecord(ctx context.Context, d Disposition) *JSONLogRecord {
	record := &JSONLogRecord{
		Type:             d.Kind,
		Recipient:        d.Recipient,
		Recipients:       d.Recipients,
		Queue:            d.QueueName,
		SiteName:         d.SiteName,
		PeerAddress:      d.PeerAddress,
		Response:         d.Response,
		Timestamp:        time.Now().UTC(),
		EgressPool:       d.EgressPool,
		EgressSource:     d.EgressSource,
		Provider:         d.Provider,
		DeliveryProtocol: d.DeliveryProtocol,
		TLSInfo:          d.TLSInfo,
		SessionID:        d.SessionID,
	}

	switch d.Kind {
	case Expiration:
		record.BounceClassification = classify.MessageExpired
	case TransientFailure, Bounce, AdminBounce, Rejection:
		record.BounceClassification = classifyResponse(d.Response)
	}

	if d.Msg != nil {
		record.ID = d.Msg.ID().String()
		if err := d.Msg.LoadMetaIfNeeded(ctx); err == nil {
			record.Sender = d.Msg.Sender()
			record.Created = d.Msg.Created()
			record.NumAttempts = d.Msg.NumAttempts()

			if len(i.params.Meta) != 0 {
				record.Meta = map[string]interface{}{}
				for _, key := range i.params.Meta {
					var value interface{}
					if ok, err := d.Msg.GetMeta(key, &value); ok && err == nil {
						record.Meta[key] = value
					}
				}
			}
		}
		if len(i.params.Headers) != 0 {
			record.Headers = i.captureHeaders(ctx, d.Msg)
		}
	}
	return record
}

func (i *Instance) captureHeaders(ctx context.Context, msg *message.Message) map[string]string {
	if err := msg.LoadDataIfNeeded(ctx); err != nil {
		return nil
	}
	header, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(string(msg.Data()))))
	if err != nil {
		return nil
	}
	captured := map[string]string{}
	for _, name := range i.params.Headers {
		if value := header.Get(name); value != "" {
			captured[name] = value
		}
	}
	if len(captured) == 0 {
		return nil
	}
	return captured
}

func (i *Instance) run() {
	defer close(i.done)

	if i.params.Hook != nil {
		for record := range i.ch {
			if err := i.params.Hook(record); err != nil {
				i.Log.Error("hook failed", err)
			}
		}
		return
	}

	var segment *segmentFile
	closeSegment := func() {
		if segment != nil {
			if err := segment.finish(); err != nil {
				i.Log.Error("finishing segment", err)
			}
			segment = nil
		}
	}
	defer closeSegment()

	rotate := time.NewTicker(time.Second)
	defer rotate.Stop()

	for {
		select {
		case record, ok := <-i.ch:
			if !ok {
				return
			}
			if segment == nil {
				opened, err := openSegment(i.params.LogDir, i.params.CompressionLevel, i.params.MaxSegmentDuration)
				if err != nil {
					i.Log.Error("opening segment", err)
					continue
				}
				segment = opened
			}
			if err := segment.write(record); err != nil {
				i.Log.Error("writing record", err)
			}
			if segment.shouldRotate(i.params.MaxSegmentBytes) {
				closeSegment()
			}
		case <-rotate.C:
			if segment != nil && segment.expired() {
				closeSegment()
			}
		}
	}
}

// segmentFile is one append-only zstd JSONL segment. The write bit is
// cleared when the segment completes to signal tailers that no more data
// will arrive.
type segmentFile struct {
	file    *os.File
	encoder *zstd.Encoder
	written int64
	expires time.Time
}

func openSegment(dir string, level int, maxAge time.Duration) (*segmentFile, error) {
	stamp := time.Now().UTC().Format("20060102-150405.000000000")
	var file *os.File
	var err error
	for i := 0; ; i++ {
		name := stamp
		if i != 0 {
			name = fmt.Sprintf("%s.%d", stamp, i)
		}
		file, err = os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, err
		}
	}

	opts := []zstd.EOption{}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	encoder, err := zstd.NewWriter(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}

	segment := &segmentFile{file: file, encoder: encoder}
	if maxAge != 0 {
		segment.expires = time.Now().Add(maxAge)
	}
	return segment, nil
}

func (s *segmentFile) write(record *JSONLogRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	n, err := s.encoder.Write(line)
	s.written += int64(n)
	return err
}

func (s *segmentFile) shouldRotate(maxBytes int64) bool {
	return maxBytes != 0 && s.written >= maxBytes
}

func (s *segmentFile) expired() bool {
	return !s.expires.IsZero() && time.Now().After(s.expires)
}

func (s *segmentFile) finish() error {
	if err := s.encoder.Close(); err != nil {
		s.file.Close()
		return err
	}
	name := s.file.Name()
	if err := s.file.Close(); err != nil {
		return err
	}
	return markSegmentDone(name)
}

func markSegmentDone(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()&^0o222)
}

func markExistingSegmentsDone(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		markSegmentDone(filepath.Join(dir, entry.Name()))
	}
}
