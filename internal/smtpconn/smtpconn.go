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

// Package smtpconn implements the wrapper over the SMTP connection
// (go-smtp.Client) object used by the dispatcher, with the following
// features added:
//   - Per-phase timeouts taken from the egress path configuration.
//   - Wrapping of returned errors using the exterrors package.
//   - TLS policy handling (disabled, opportunistic, required).
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/KumoCorp/kumomta/framework/exterrors"
	"github.com/KumoCorp/kumomta/framework/log"
	"github.com/KumoCorp/kumomta/internal/shaping"
)

// The C object represents one outbound SMTP session and cannot be reused
// after Close.
type C struct {
	// Dialer to use to establish new network connections. Set to
	// net.Dialer DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Hostname sent in the EHLO command. Set to 'localhost.localdomain' by
	// New.
	Hostname string

	// TLSConfig used for STARTTLS. Can be nil if no special changes are
	// required.
	TLSConfig *tls.Config

	// Timeouts bound each protocol phase.
	Timeouts shaping.SmtpClientTimeouts

	// Logger to use for debug log and certain errors.
	Log log.Logger

	serverName string
	didTLS     bool
	cl         *smtp.Client
}

// New creates the new instance of the C object, populating the required
// fields with reasonable default values.
func New() *C {
	return &C{
		Dialer:    (&net.Dialer{}).DialContext,
		Hostname:  "localhost.localdomain",
		TLSConfig: &tls.Config{},
		Timeouts:  shaping.DefaultEgressPathConfig().Timeouts,
	}
}

// TLSError is returned by Connect to indicate an error during STARTTLS
// negotiation as opposed to a plain connection error.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

func (err TLSError) Temporary() bool {
	return true
}

func (c *C) wrapClientErr(err error, command string) error {
	if err == nil {
		return nil
	}

	switch err := err.(type) {
	case TLSError:
		return err
	case *exterrors.SMTPError:
		return err
	case *smtp.SMTPError:
		if err.Code == 552 {
			// RFC 5321 Section 4.5.3.1.10.
			err.Code = 452
			if err.EnhancedCode[0] == 5 {
				err.EnhancedCode[0] = 4
			}
			c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
		}

		return &exterrors.SMTPError{
			Code:         err.Code,
			EnhancedCode: exterrors.EnhancedCode(err.EnhancedCode),
			Message:      err.Message,
			Command:      command,
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
			},
			Err: err,
		}
	case *net.OpError:
		if _, ok := err.Err.(*net.DNSError); ok {
			reason, misc := exterrors.UnwrapDNSErr(err)
			misc["remote_server"] = err.Addr
			misc["io_op"] = err.Op
			return &exterrors.SMTPError{
				Code:         exterrors.SMTPCode(err, 450, 550),
				EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
				Message:      "DNS error",
				Command:      command,
				Err:          err,
				Reason:       reason,
				Misc:         misc,
			}
		}
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Command:      command,
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": err.Addr,
				"io_op":       err.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
		})
	}
}

func (c *C) phaseTimeout(d shaping.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Minute
	}
	return d.Std()
}

// Connect establishes the network connection with the remote host,
// executes EHLO and then negotiates STARTTLS per the requested policy.
func (c *C) Connect(ctx context.Context, address string, tlsMode shaping.TLSMode, serverName string) error {
	c.serverName = serverName

	dialCtx, cancel := context.WithTimeout(ctx, c.phaseTimeout(c.Timeouts.Connect))
	conn, err := c.Dialer(dialCtx, "tcp", address)
	cancel()
	if err != nil {
		return c.wrapClientErr(err, "connect")
	}

	cl := smtp.NewClient(conn)
	cl.CommandTimeout = c.phaseTimeout(c.Timeouts.Ehlo)
	cl.SubmissionTimeout = c.phaseTimeout(c.Timeouts.DataDot)

	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return c.wrapClientErr(err, "EHLO")
	}

	if tlsMode != shaping.TLSDisabled {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			cfg := c.TLSConfig.Clone()
			if cfg == nil {
				cfg = &tls.Config{}
			}
			cfg.ServerName = serverName
			if tlsMode == shaping.TLSOpportunisticInsecure {
				cfg.InsecureSkipVerify = true
			}

			cl.CommandTimeout = c.phaseTimeout(c.Timeouts.Starttls)
			if err := cl.StartTLS(cfg); err != nil {
				// The connection may be in a bad state after a handshake
				// failure; we attempt the proper QUIT anyway in case the
				// error happened after the handshake (e.g. PKI failure).
				if quitErr := cl.Quit(); quitErr != nil {
					cl.Close()
				}
				return TLSError{err}
			}
			c.didTLS = true
		} else if tlsMode == shaping.TLSRequired {
			cl.Quit()
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 5},
				Message:      "TLS is required but not offered by " + serverName,
				Command:      "STARTTLS",
			}
		}
	}

	c.cl = cl
	c.Log.DebugMsg("connected", "remote_server", serverName, "tls", c.didTLS)
	return nil
}

// DidTLS reports whether the session negotiated STARTTLS.
func (c *C) DidTLS() bool {
	return c.didTLS
}

func (c *C) ServerName() string {
	return c.serverName
}

// Auth performs SASL PLAIN authentication.
func (c *C) Auth(ctx context.Context, username, password string) error {
	c.cl.CommandTimeout = c.phaseTimeout(c.Timeouts.Auth)
	if err := c.cl.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return c.wrapClientErr(err, "AUTH")
	}
	return nil
}

// Mail sends the MAIL FROM command to the remote server.
func (c *C) Mail(ctx context.Context, from string) error {
	c.cl.CommandTimeout = c.phaseTimeout(c.Timeouts.MailFrom)
	if err := c.cl.Mail(from, &smtp.MailOptions{}); err != nil {
		return c.wrapClientErr(err, "MAIL FROM")
	}
	return nil
}

// Rcpt sends the RCPT TO command to the remote server.
func (c *C) Rcpt(ctx context.Context, to string) error {
	c.cl.CommandTimeout = c.phaseTimeout(c.Timeouts.RcptTo)
	if err := c.cl.Rcpt(to, nil); err != nil {
		return c.wrapClientErr(err, "RCPT TO")
	}
	return nil
}

// Data sends the DATA command and streams the message body.
//
// If the command fails mid-stream the connection may be in an unclean
// state. It is not safe to continue using it.
func (c *C) Data(ctx context.Context, body io.Reader) error {
	c.cl.CommandTimeout = c.phaseTimeout(c.Timeouts.Data)

	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, "DATA")
	}

	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return c.wrapClientErr(err, "DATA")
	}

	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, "DATA")
	}

	return nil
}

// Rset aborts the current transaction so the session can be reused.
func (c *C) Rset(ctx context.Context) error {
	if c.cl == nil {
		return errors.New("smtpconn: not connected")
	}
	if err := c.cl.Reset(); err != nil {
		return c.wrapClientErr(err, "RSET")
	}
	return nil
}

func (c *C) Noop() error {
	if c.cl == nil {
		return errors.New("smtpconn: not connected")
	}
	return c.cl.Noop()
}

// Close sends the QUIT command, falling back to closing the connection
// directly if that fails.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, "QUIT"))
		err = c.cl.Close()
		c.cl = nil
		return err
	}
	c.cl = nil
	return nil
}

// DirectClose closes the underlying connection without sending QUIT.
func (c *C) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	err := c.cl.Close()
	c.cl = nil
	return err
}
