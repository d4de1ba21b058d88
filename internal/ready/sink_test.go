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

package ready_test

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-maildir"
)

// smtpSink is a scripted SMTP server used as the remote end of delivery
// tests. Recipient local parts select the response behavior:
//
//	full...      RCPT answers a bare "452 mailbox full" (no enhanced code)
//	full-enh...  RCPT answers "452 4.2.2 mailbox full"
//
// and any recipient beyond maxRcptPerTxn in one transaction is refused
// with "452 4.5.3 too many recipients". Accepted messages are stored into
// a maildir, one copy per accepted recipient.
type smtpSink struct {
	t        *testing.T
	listener net.Listener
	dir      string

	maxRcptPerTxn int

	mu         sync.Mutex
	rejections int
	receptions int

	wg sync.WaitGroup
}

func startSink(t *testing.T, maxRcptPerTxn int) *smtpSink {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	sink := &smtpSink{
		t:             t,
		listener:      listener,
		dir:           filepath.Join(t.TempDir(), "sink-maildir"),
		maxRcptPerTxn: maxRcptPerTxn,
	}
	if err := maildir.Dir(sink.dir).Init(); err != nil {
		t.Fatal(err)
	}

	sink.wg.Add(1)
	go sink.acceptLoop()
	t.Cleanup(sink.stop)
	return sink
}

func (s *smtpSink) stop() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *smtpSink) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *smtpSink) counters() (rejections, receptions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejections, s.receptions
}

func (s *smtpSink) storedCount() int {
	entries, err := os.ReadDir(filepath.Join(s.dir, "new"))
	if err != nil {
		return 0
	}
	return len(entries)
}

func (s *smtpSink) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *smtpSink) reject(w *bufio.Writer, line string) {
	s.mu.Lock()
	s.rejections++
	s.mu.Unlock()
	fmt.Fprintf(w, "%s\r\n", line)
	w.Flush()
}

func (s *smtpSink) serve(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	reply := func(line string) {
		fmt.Fprintf(w, "%s\r\n", line)
		w.Flush()
	}

	reply("220 sink.example.com ESMTP test sink")

	var accepted []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
			fmt.Fprintf(w, "250-sink.example.com\r\n250 SIZE 10485760\r\n")
			w.Flush()
		case strings.HasPrefix(verb, "MAIL FROM"):
			accepted = nil
			reply("250 2.1.0 ok")
		case strings.HasPrefix(verb, "RCPT TO"):
			address := line[strings.Index(line, "<")+1 : strings.LastIndex(line, ">")]
			localPart := address[:strings.Index(address, "@")]
			switch {
			case strings.HasPrefix(localPart, "full-enh"):
				s.reject(w, "452 4.2.2 mailbox full")
			case strings.HasPrefix(localPart, "full"):
				s.reject(w, "452 mailbox full")
			case len(accepted) >= s.maxRcptPerTxn:
				s.reject(w, "452 4.5.3 too many recipients")
			default:
				accepted = append(accepted, address)
				reply("250 2.1.5 ok")
			}
		case verb == "DATA":
			if len(accepted) == 0 {
				reply("503 5.5.1 no valid recipients")
				continue
			}
			reply("354 go ahead")
			var body strings.Builder
			for {
				dataLine, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if dataLine == ".\r\n" {
					break
				}
				body.WriteString(strings.TrimPrefix(dataLine, "."))
			}
			for range accepted {
				delivery, err := maildir.NewDelivery(s.dir)
				if err != nil {
					s.t.Error(err)
					continue
				}
				delivery.Write([]byte(body.String()))
				delivery.Close()
			}
			s.mu.Lock()
			s.receptions++
			s.mu.Unlock()
			accepted = nil
			reply("250 2.0.0 accepted")
		case verb == "RSET":
			accepted = nil
			reply("250 2.0.0 flushed")
		case verb == "NOOP":
			reply("250 2.0.0 ok")
		case verb == "QUIT":
			reply("221 2.0.0 bye")
			return
		default:
			reply("500 5.5.2 unrecognized")
		}
	}
}
