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

// Package classify maps SMTP responses to a closed bounce taxonomy using an
// ordered set of regular expressions.
package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Class is a bounce classification tag: one of the predefined constants
// below or an operator-defined string.
type Class string

const (
	// The recipient is invalid.
	InvalidRecipient Class = "InvalidRecipient"
	// The message bounced due to a DNS failure.
	DNSFailure Class = "DNSFailure"
	// The message was blocked by the receiver as coming from a known spam
	// source.
	SpamBlock Class = "SpamBlock"
	// The message was blocked by the receiver as spam.
	SpamContent Class = "SpamContent"
	// The message was blocked because it contained an attachment.
	ProhibitedAttachment Class = "ProhibitedAttachment"
	// The message was blocked because relaying is not allowed.
	RelayDenied Class = "RelayDenied"
	// The message is an auto-reply/vacation mail.
	AutoReply Class = "AutoReply"
	// Message transmission has been temporarily delayed.
	TransientFailure Class = "TransientFailure"
	// The message is a subscribe request.
	Subscribe Class = "Subscribe"
	// The message is an unsubscribe request.
	Unsubscribe Class = "Unsubscribe"
	// The message is a challenge-response probe.
	ChallengeResponse Class = "ChallengeResponse"
	// Rejected due to configuration issues with the remote host, 5.X.X.
	BadConfiguration Class = "BadConfiguration"
	// Bounced due to bad connection issues with the remote host, 4.X.X.
	BadConnection Class = "BadConnection"
	// Bounced due to invalid or non-existing domains, 5.X.X.
	BadDomain Class = "BadDomain"
	// Refused or blocked due to content related reasons, 5.X.X.
	ContentRelated Class = "ContentRelated"
	// Expired, inactive, or disabled recipient addresses, 5.X.X.
	InactiveMailbox Class = "InactiveMailbox"
	// Invalid DNS or MX entry for the sending domain.
	InvalidSender Class = "InvalidSender"
	// Not delivered before the configured maximum age, 4.X.X.
	MessageExpired Class = "MessageExpired"
	// No response from the remote host after connecting.
	NoAnswerFromHost Class = "NoAnswerFromHost"
	// Refused or blocked due to general policy reasons, 5.X.X.
	PolicyRelated Class = "PolicyRelated"
	// SMTP protocol syntax or sequence errors, 5.X.X.
	ProtocolErrors Class = "ProtocolErrors"
	// Mailbox quota issues, 4.X.X or 5.X.X.
	QuotaIssues Class = "QuotaIssues"
	// Remote mail server relaying issues, 5.X.X.
	RelayingIssues Class = "RelayingIssues"
	// Mail routing issues for the recipient domain, 5.X.X.
	RoutingErrors Class = "RoutingErrors"
	// Refused or blocked due to spam related reasons, 5.X.X.
	SpamRelated Class = "SpamRelated"
	// Refused or blocked due to virus related reasons, 5.X.X.
	VirusRelated Class = "VirusRelated"
	// The authentication policy was not met.
	AuthenticationFailed Class = "AuthenticationFailed"
	// Rejected due to other reasons.
	Uncategorized Class = "Uncategorized"
)

// rulesFile is the content of a classifier rules file: class name to the
// list of patterns belonging to that class.
type rulesFile struct {
	Rules map[Class][]string `json:"rules" toml:"rules"`
}

// Builder accumulates rules files before compilation.
type Builder struct {
	classes  []Class
	patterns []string
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddRule registers a single pattern. Registration order is significant:
// when patterns of distinct classes both match a response, the
// earliest-registered class wins.
func (b *Builder) AddRule(class Class, pattern string) {
	b.classes = append(b.classes, class)
	b.patterns = append(b.patterns, pattern)
}

func (b *Builder) merge(decoded rulesFile) {
	// Iterate classes in sorted order so that a file contributes its rules
	// deterministically regardless of map iteration order.
	classes := make([]Class, 0, len(decoded.Rules))
	for class := range decoded.Rules {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	for _, class := range classes {
		for _, pattern := range decoded.Rules[class] {
			b.AddRule(class, pattern)
		}
	}
}

// MergeFile loads a rules file, decoding TOML or JSON based on the file
// extension.
func (b *Builder) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("classify: reading %s: %w", path, err)
	}

	var decoded rulesFile
	if filepath.Ext(path) == ".toml" {
		err = toml.Unmarshal(data, &decoded)
	} else {
		err = json.Unmarshal(data, &decoded)
	}
	if err != nil {
		return fmt.Errorf("classify: decoding %s: %w", path, err)
	}

	b.merge(decoded)
	return nil
}

// Build compiles all registered patterns. It fails if any pattern does not
// compile.
func (b *Builder) Build() (*Classifier, error) {
	compiled := make([]*regexp.Regexp, 0, len(b.patterns))
	for i, pattern := range b.patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("classify: compiling rule for %s: %w", b.classes[i], err)
		}
		compiled = append(compiled, re)
	}
	return &Classifier{
		patterns: compiled,
		classes:  append([]Class(nil), b.classes...),
	}, nil
}

// Classifier is an immutable compiled rule set. It is safe for concurrent
// use.
type Classifier struct {
	patterns []*regexp.Regexp
	classes  []Class
}

// Classify runs the response text through the rule set and returns the
// class of the first matching pattern in registration order, or
// Uncategorized when nothing matches.
func (c *Classifier) Classify(s string) Class {
	for i, re := range c.patterns {
		if re.MatchString(s) {
			return c.classes[i]
		}
	}
	return Uncategorized
}

// SingleLiner is implemented by SMTP response values that can flatten
// themselves into the classifier input form (code, enhanced code and
// content with newlines replaced by spaces).
type SingleLiner interface {
	SingleLine() string
}

// ClassifyResponse flattens the response to a single line first.
func (c *Classifier) ClassifyResponse(response SingleLiner) Class {
	return c.Classify(response.SingleLine())
}
