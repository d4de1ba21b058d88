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

package classify

import (
	"testing"
)

func ianaClassifier(t *testing.T) *Classifier {
	t.Helper()
	builder := NewBuilder()
	if err := builder.MergeFile("../../assets/bounce_classifier/iana.toml"); err != nil {
		t.Fatal(err)
	}
	classifier, err := builder.Build()
	if err != nil {
		t.Fatal(err)
	}
	return classifier
}

func TestClassifyIANACorpus(t *testing.T) {
	classifier := ianaClassifier(t)

	corpus := []struct {
		input string
		want  Class
	}{
		{"552 5.2.2 mailbox is stuffed", QuotaIssues},
		{"552 4.2.2 mailbox is stuffed", QuotaIssues},
		{"352 5.2.2 mailbox is stuffed", Uncategorized},
		{"525 4.7.13 user account is disabled", InactiveMailbox},
		{"551 4.7.17 mailbox owner has changed", InvalidRecipient},
		{"551 4.7.18 domain owner has changed", BadDomain},
	}

	for _, tc := range corpus {
		if got := classifier.Classify(tc.input); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestClassifyFirstRegisteredWins(t *testing.T) {
	// Two patterns in distinct classes that both match: the earliest
	// registered class must win.
	builder := NewBuilder()
	builder.AddRule(SpamBlock, `blocked`)
	builder.AddRule(PolicyRelated, `blocked by policy`)
	classifier, err := builder.Build()
	if err != nil {
		t.Fatal(err)
	}
	if got := classifier.Classify("550 blocked by policy"); got != SpamBlock {
		t.Errorf("got %v, want the earliest-registered class", got)
	}

	// Reordering patterns *within* one class does not change the result.
	builderA := NewBuilder()
	builderA.AddRule(QuotaIssues, `over quota`)
	builderA.AddRule(QuotaIssues, `mailbox full`)
	builderB := NewBuilder()
	builderB.AddRule(QuotaIssues, `mailbox full`)
	builderB.AddRule(QuotaIssues, `over quota`)

	a, err := builderA.Build()
	if err != nil {
		t.Fatal(err)
	}
	b, err := builderB.Build()
	if err != nil {
		t.Fatal(err)
	}
	for _, input := range []string{"552 mailbox full", "552 over quota", "250 ok"} {
		if a.Classify(input) != b.Classify(input) {
			t.Errorf("pattern order within a class changed the result for %q", input)
		}
	}
}

func TestClassifyUncategorizedDefault(t *testing.T) {
	classifier := ianaClassifier(t)
	if got := classifier.Classify("250 2.0.0 ok"); got != Uncategorized {
		t.Errorf("got %v for a non-matching input", got)
	}
}

func TestBuildRejectsBadPattern(t *testing.T) {
	builder := NewBuilder()
	builder.AddRule(SpamBlock, `(unclosed`)
	if _, err := builder.Build(); err == nil {
		t.Error("expected a compile error")
	}
}
