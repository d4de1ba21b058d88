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
	"strings"
)

// FactorNames produces a pseudo-regex style alternation list of the
// different elements of the host names.
//
// The goal is to produce a more compact representation of the name list
// with the common components factored out:
//
//	mta5.am0.yahoodns.net, mta6.am0.yahoodns.net, mta7.am0.yahoodns.net
//	-> (mta5|mta6|mta7).am0.yahoodns.net
//
// Comparison is case-insensitive. Input order is preserved within each
// alternation group, so differently-ordered host sets factor to distinct
// names. Positions absent from shorter names are rendered as a '?' suffix
// on the group.
func FactorNames(names []string) string {
	maxElementCount := 0

	var elements [][]string

	var splitNames [][]string
	for _, name := range names {
		fields := strings.Split(strings.ToLower(name), ".")
		for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
			fields[i], fields[j] = fields[j], fields[i]
		}
		if len(fields) > maxElementCount {
			maxElementCount = len(fields)
		}
		splitNames = append(splitNames, fields)
	}

	addElement := func(field string, i int) {
		if i < len(elements) {
			for _, existing := range elements[i] {
				if existing == field {
					return
				}
			}
			elements[i] = append(elements[i], field)
			return
		}
		elements = append(elements, []string{field})
	}

	for _, fields := range splitNames {
		for i, field := range fields {
			addElement(field, i)
		}
		for i := len(fields); i < maxElementCount; i++ {
			addElement("?", i)
		}
	}

	result := make([]string, 0, len(elements))
	for _, ele := range elements {
		hasQ := false
		kept := ele[:0]
		for _, e := range ele {
			if e == "?" {
				hasQ = true
				continue
			}
			kept = append(kept, e)
		}
		var itemText string
		if len(kept) == 1 {
			itemText = kept[0]
		} else {
			itemText = "(" + strings.Join(kept, "|") + ")"
		}
		if hasQ {
			itemText += "?"
		}
		result = append(result, itemText)
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return strings.Join(result, ".")
}
