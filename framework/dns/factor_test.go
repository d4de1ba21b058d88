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

package dns

import (
	"testing"
)

func TestFactorNames(t *testing.T) {
	cases := []struct {
		name  string
		hosts []string
		want  string
	}{
		{
			name:  "alternation",
			hosts: []string{"mta5.am0.yahoodns.net", "mta6.am0.yahoodns.net", "mta7.am0.yahoodns.net"},
			want:  "(mta5|mta6|mta7).am0.yahoodns.net",
		},
		{
			name:  "case normalized",
			hosts: []string{"mta5.AM0.yahoodns.net", "mta6.am0.yAHOodns.net", "mta7.am0.yahoodns.net"},
			want:  "(mta5|mta6|mta7).am0.yahoodns.net",
		},
		{
			name: "mismatched lengths",
			hosts: []string{
				"gmail-smtp-in.l.google.com",
				"alt1.gmail-smtp-in.l.google.com",
				"alt2.gmail-smtp-in.l.google.com",
				"alt3.gmail-smtp-in.l.google.com",
				"alt4.gmail-smtp-in.l.google.com",
			},
			want: "(alt1|alt2|alt3|alt4)?.gmail-smtp-in.l.google.com",
		},
		{
			name:  "single host",
			hosts: []string{"mx.example.com"},
			want:  "mx.example.com",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FactorNames(tc.hosts); got != tc.want {
				t.Errorf("FactorNames(%v) = %q, want %q", tc.hosts, got, tc.want)
			}
		})
	}
}

func TestFactorNamesOrderPreserving(t *testing.T) {
	forward := FactorNames([]string{"a.example.com", "b.example.com"})
	reversed := FactorNames([]string{"b.example.com", "a.example.com"})

	if forward != "(a|b).example.com" {
		t.Errorf("forward = %q", forward)
	}
	if reversed != "(b|a).example.com" {
		t.Errorf("reversed = %q", reversed)
	}
	if forward == reversed {
		t.Error("differently-ordered host sets must yield distinct site names")
	}
}
