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

package shaping

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KumoCorp/kumomta/internal/throttle"
)

// Duration accepts Go duration strings ("5m", "1h30m") in both TOML and
// JSON shaping files, and bare JSON numbers interpreted as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return d.UnmarshalText([]byte(str))
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("shaping: bad duration %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// TLSMode selects the STARTTLS policy of an egress path.
type TLSMode string

const (
	// TLSOpportunistic uses STARTTLS when offered and verifies the
	// certificate if it is.
	TLSOpportunistic TLSMode = "Opportunistic"
	// TLSOpportunisticInsecure uses STARTTLS when offered but ignores
	// certificate errors.
	TLSOpportunisticInsecure TLSMode = "OpportunisticInsecure"
	// TLSRequired fails delivery if STARTTLS cannot be negotiated and
	// verified.
	TLSRequired TLSMode = "Required"
	// TLSDisabled never uses STARTTLS.
	TLSDisabled TLSMode = "Disabled"
)

// ConfigRefresh selects how ready queues pick up shaping changes.
type ConfigRefresh string

const (
	// RefreshEpoch re-resolves the config when the global shaping epoch is
	// bumped (e.g. by a reload signal).
	RefreshEpoch ConfigRefresh = "Epoch"
	// RefreshTTL re-resolves the config on a fixed interval.
	RefreshTTL ConfigRefresh = "Ttl"
)

// MemoryReduction names a shrink action applied to resident messages under
// memory pressure.
type MemoryReduction string

const (
	ShrinkData     MemoryReduction = "ShrinkData"
	ShrinkMeta     MemoryReduction = "ShrinkMeta"
	ShrinkDataMeta MemoryReduction = "ShrinkDataAndMeta"
	NoShrink       MemoryReduction = "NoShrink"
)

// SmtpClientTimeouts bounds each phase of an outbound SMTP session.
type SmtpClientTimeouts struct {
	Connect  Duration `json:"connect_timeout,omitempty" toml:"connect_timeout"`
	Ehlo     Duration `json:"ehlo_timeout,omitempty" toml:"ehlo_timeout"`
	Starttls Duration `json:"starttls_timeout,omitempty" toml:"starttls_timeout"`
	Auth     Duration `json:"auth_timeout,omitempty" toml:"auth_timeout"`
	MailFrom Duration `json:"mail_from_timeout,omitempty" toml:"mail_from_timeout"`
	RcptTo   Duration `json:"rcpt_to_timeout,omitempty" toml:"rcpt_to_timeout"`
	Data     Duration `json:"data_timeout,omitempty" toml:"data_timeout"`
	DataDot  Duration `json:"data_dot_timeout,omitempty" toml:"data_dot_timeout"`
}

// EgressPathConfig is the per-(site, source) delivery tuning produced by
// the shaping resolver.
type EgressPathConfig struct {
	// ConnectionLimit caps concurrent connections to the site from this
	// source, enforced through concurrency leases so the cap holds across
	// a cluster when the shared backend is configured.
	ConnectionLimit int `json:"connection_limit,omitempty" toml:"connection_limit"`

	// MaxDeliveriesPerConnection caps message transactions per session
	// before the connection is cycled.
	MaxDeliveriesPerConnection int `json:"max_deliveries_per_connection,omitempty" toml:"max_deliveries_per_connection"`

	// MaxRecipientsPerMessage caps RCPT commands per transaction; the
	// remainder of a larger recipient set rides a follow-up transaction.
	MaxRecipientsPerMessage int `json:"max_recipients_per_message,omitempty" toml:"max_recipients_per_message"`

	// MaxReady bounds the ready queue depth.
	MaxReady int `json:"max_ready,omitempty" toml:"max_ready"`

	// ReadyQueueFullDelay is how long an insert may wait for ready queue
	// space before the scheduled queue is told to defer.
	ReadyQueueFullDelay Duration `json:"ready_queue_full_delay,omitempty" toml:"ready_queue_full_delay"`

	MaxConnectionRate *throttle.Spec `json:"max_connection_rate,omitempty" toml:"max_connection_rate"`
	MaxMessageRate    *throttle.Spec `json:"max_message_rate,omitempty" toml:"max_message_rate"`

	// IdleTimeout closes a session that has no work.
	IdleTimeout Duration `json:"idle_timeout,omitempty" toml:"idle_timeout"`

	EnableTLS TLSMode `json:"enable_tls,omitempty" toml:"enable_tls"`

	SmtpPort int `json:"smtp_port,omitempty" toml:"smtp_port"`

	SmtpAuthPlainUsername string `json:"smtp_auth_plain_username,omitempty" toml:"smtp_auth_plain_username"`
	SmtpAuthPlainPassword string `json:"smtp_auth_plain_password,omitempty" toml:"smtp_auth_plain_password"`

	Timeouts SmtpClientTimeouts `json:"timeouts,omitempty" toml:"timeouts"`

	RefreshStrategy ConfigRefresh `json:"refresh_strategy,omitempty" toml:"refresh_strategy"`
	RefreshInterval Duration      `json:"refresh_interval,omitempty" toml:"refresh_interval"`

	// ShrinkPolicy lists memory reduction steps for resident ready messages.
	// It is parsed and carried in the resolved config; the ready queues do
	// not apply it.
	ShrinkPolicy []ShrinkPolicyEntry `json:"shrink_policy,omitempty" toml:"shrink_policy"`
}

type ShrinkPolicyEntry struct {
	Interval Duration        `json:"interval" toml:"interval"`
	Policy   MemoryReduction `json:"policy" toml:"policy"`
}

// DefaultEgressPathConfig returns the built-in tuning used when no shaping
// entry applies.
func DefaultEgressPathConfig() EgressPathConfig {
	return EgressPathConfig{
		ConnectionLimit:            32,
		MaxDeliveriesPerConnection: 1024,
		MaxRecipientsPerMessage:    1024,
		MaxReady:                   1024,
		ReadyQueueFullDelay:        Duration(100 * time.Millisecond),
		IdleTimeout:                Duration(60 * time.Second),
		EnableTLS:                  TLSOpportunistic,
		SmtpPort:                   25,
		RefreshStrategy:            RefreshTTL,
		RefreshInterval:            Duration(time.Minute),
		Timeouts: SmtpClientTimeouts{
			Connect:  Duration(60 * time.Second),
			Ehlo:     Duration(300 * time.Second),
			Starttls: Duration(5 * time.Minute),
			Auth:     Duration(60 * time.Second),
			MailFrom: Duration(5 * time.Minute),
			RcptTo:   Duration(5 * time.Minute),
			Data:     Duration(5 * time.Minute),
			DataDot:  Duration(10 * time.Minute),
		},
	}
}
