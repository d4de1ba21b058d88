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

// Package shaping loads the per-domain egress policy files and resolves
// them into per-site EgressPathConfig values.
//
// Shaping files are TOML or JSON documents keyed by domain name (or the
// literal "default"). Entries roll up onto the destination site derived
// from the domain's MX host set unless mx_rollup is disabled, so all
// domains hosted by one provider share one tuned path.
package shaping

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/KumoCorp/kumomta/framework/dns"
)

// AutomationRule is carried through for the traffic shaping automation
// daemon; the core engine stores but does not interpret these.
type AutomationRule map[string]interface{}

// partialEntry is one domain's stanza before merging. Tuning fields are
// kept as a free-form map until materialization so that later files can
// deep-merge or replace them.
type partialEntry struct {
	domainName  string
	mxRollup    bool
	replaceBase bool
	params      map[string]interface{}
	sources     map[string]map[string]interface{}
	automation  []AutomationRule
}

// control keys that live alongside tuning fields in a domain stanza.
const (
	keyMxRollup    = "mx_rollup"
	keyReplaceBase = "replace_base"
	keySources     = "sources"
	keyAutomation  = "automation"
)

func decodeEntry(domain string, raw map[string]interface{}) (*partialEntry, error) {
	entry := &partialEntry{
		domainName: domain,
		mxRollup:   true,
		params:     map[string]interface{}{},
		sources:    map[string]map[string]interface{}{},
	}

	for key, value := range raw {
		switch key {
		case keyMxRollup:
			flag, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: mx_rollup must be a boolean", domain)
			}
			entry.mxRollup = flag
		case keyReplaceBase:
			flag, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: replace_base must be a boolean", domain)
			}
			entry.replaceBase = flag
		case keySources:
			sources, ok := value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: sources must be a table", domain)
			}
			for source, overrides := range sources {
				table, ok := overrides.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%s: sources.%s must be a table", domain, source)
				}
				entry.sources[source] = table
			}
		case keyAutomation:
			rules, ok := value.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%s: automation must be an array", domain)
			}
			for _, rule := range rules {
				table, ok := rule.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%s: automation entries must be tables", domain)
				}
				entry.automation = append(entry.automation, AutomationRule(table))
			}
		default:
			entry.params[key] = value
		}
	}
	return entry, nil
}

// mergeFrom applies other on top of the entry: replace_base swaps the
// accumulated state out wholesale, otherwise params/sources deep-merge and
// automation rules append.
func (e *partialEntry) mergeFrom(other *partialEntry) {
	if other.replaceBase {
		e.params = other.params
		e.sources = other.sources
		e.automation = other.automation
		return
	}
	deepMerge(e.params, other.params)
	for source, overrides := range other.sources {
		if existing, ok := e.sources[source]; ok {
			deepMerge(existing, overrides)
		} else {
			e.sources[source] = overrides
		}
	}
	e.automation = append(e.automation, other.automation...)
}

func deepMerge(dst, src map[string]interface{}) {
	for key, value := range src {
		srcTable, srcIsTable := value.(map[string]interface{})
		dstTable, dstIsTable := dst[key].(map[string]interface{})
		if srcIsTable && dstIsTable {
			deepMerge(dstTable, srcTable)
			continue
		}
		dst[key] = value
	}
}

// MergedEntry is one fully merged shaping entry.
type MergedEntry struct {
	// Params is the tuning applied regardless of egress source.
	Params EgressPathConfig

	// rawParams and sources are kept for per-source overlaying.
	rawParams map[string]interface{}
	sources   map[string]map[string]interface{}

	Automation []AutomationRule
}

// Shaping is the resolved policy snapshot.
type Shaping struct {
	BySite   map[string]*MergedEntry
	ByDomain map[string]*MergedEntry
	Warnings []string

	resolver *dns.MXResolver
}

func loadFile(path string) (map[string]*partialEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shaping: reading %s: %w", path, err)
	}

	raw := map[string]map[string]interface{}{}
	if filepath.Ext(path) == ".toml" {
		err = toml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("shaping: parsing %s: %w", path, err)
	}

	entries := make(map[string]*partialEntry, len(raw))
	for domain, stanza := range raw {
		entry, err := decodeEntry(domain, stanza)
		if err != nil {
			return nil, fmt.Errorf("shaping: %s: %w", path, err)
		}
		entries[strings.ToLower(domain)] = entry
	}
	return entries, nil
}

// MergeFiles loads the ordered file list and produces the resolved
// snapshot. Domains subject to MX rollup are re-keyed by their site name;
// a site reached through more than one distinct domain is a hard
// configuration error.
func MergeFiles(ctx context.Context, resolver *dns.MXResolver, files []string) (*Shaping, error) {
	bySite := map[string]*partialEntry{}
	byDomain := map[string]*partialEntry{}
	siteToDomains := map[string]map[string]struct{}{}
	var warnings []string

	for _, path := range files {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}

		// Apply entries of one file in deterministic (sorted) order;
		// cross-file ordering follows the argument list.
		domains := make([]string, 0, len(loaded))
		for domain := range loaded {
			domains = append(domains, domain)
		}
		sort.Strings(domains)

		for _, domain := range domains {
			entry := loaded[domain]

			mxRollup := entry.mxRollup
			if domain == "default" {
				mxRollup = false
			}

			if mxRollup {
				mx, err := resolver.ResolveMX(ctx, domain)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf(
						"error resolving MX for %s: %v. Ignoring the shaping config for that domain.", domain, err))
					continue
				}
				if mx.SiteName == "" {
					warnings = append(warnings, fmt.Sprintf(
						"domain %s has a NULL MX and cannot be used with mx_rollup=true. Ignoring the shaping config for that domain.", domain))
					continue
				}

				if existing, ok := bySite[mx.SiteName]; ok {
					existing.mergeFrom(entry)
				} else {
					bySite[mx.SiteName] = entry
				}

				if siteToDomains[mx.SiteName] == nil {
					siteToDomains[mx.SiteName] = map[string]struct{}{}
				}
				siteToDomains[mx.SiteName][domain] = struct{}{}
			} else {
				if existing, ok := byDomain[domain]; ok {
					existing.mergeFrom(entry)
				} else {
					byDomain[domain] = entry
				}
			}
		}
	}

	for site, domains := range siteToDomains {
		if len(domains) > 1 {
			names := make([]string, 0, len(domains))
			for domain := range domains {
				names = append(names, domain)
			}
			sort.Strings(names)
			return nil, fmt.Errorf(
				"shaping: multiple domains rollup to the same site %q: %s; "+
					"pick one canonical domain for the site", site, strings.Join(names, ", "))
		}
	}

	shaping := &Shaping{
		BySite:   map[string]*MergedEntry{},
		ByDomain: map[string]*MergedEntry{},
		Warnings: warnings,
		resolver: resolver,
	}
	for site, entry := range bySite {
		merged, err := materialize(entry)
		if err != nil {
			return nil, fmt.Errorf("shaping: %s: %w", entry.domainName, err)
		}
		shaping.BySite[site] = merged
	}
	for domain, entry := range byDomain {
		merged, err := materialize(entry)
		if err != nil {
			return nil, fmt.Errorf("shaping: %s: %w", entry.domainName, err)
		}
		shaping.ByDomain[domain] = merged
	}
	return shaping, nil
}

// materialize converts the merged free-form params into the strongly-typed
// config, reporting unknown or ill-typed fields.
func materialize(entry *partialEntry) (*MergedEntry, error) {
	params, err := typedParams(entry.params)
	if err != nil {
		return nil, err
	}
	return &MergedEntry{
		Params:     params,
		rawParams:  entry.params,
		sources:    entry.sources,
		Automation: entry.automation,
	}, nil
}

func typedParams(raw map[string]interface{}) (EgressPathConfig, error) {
	config := DefaultEgressPathConfig()
	encoded, err := json.Marshal(raw)
	if err != nil {
		return config, err
	}
	decoder := json.NewDecoder(strings.NewReader(string(encoded)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return config, err
	}
	return config, nil
}

// lookupEntry finds the most specific entry for the queue: by domain
// first, then by the site the domain resolves to, then the default entry.
func (s *Shaping) lookupEntry(ctx context.Context, domain, site string) *MergedEntry {
	if entry, ok := s.ByDomain[strings.ToLower(domain)]; ok {
		return entry
	}
	if site == "" && s.resolver != nil {
		if mx, err := s.resolver.ResolveMX(ctx, domain); err == nil {
			site = mx.SiteName
		}
	}
	if entry, ok := s.BySite[site]; ok {
		return entry
	}
	return s.ByDomain["default"]
}

// EgressPathConfigFor resolves the effective config for (domain, site,
// source). The default entry underlies the specific entry, and the entry's
// per-source overrides overlay both.
func (s *Shaping) EgressPathConfigFor(ctx context.Context, domain, site, source string) (EgressPathConfig, error) {
	merged := map[string]interface{}{}

	if def, ok := s.ByDomain["default"]; ok {
		deepMerge(merged, def.rawParams)
		if overlay, ok := def.sources[source]; ok {
			deepMerge(merged, overlay)
		}
	}
	if entry := s.lookupEntry(ctx, domain, site); entry != nil {
		deepMerge(merged, entry.rawParams)
		if overlay, ok := entry.sources[source]; ok {
			deepMerge(merged, overlay)
		}
	}

	return typedParams(merged)
}
