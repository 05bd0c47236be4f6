package config

import "strings"

// ParseCorrelationGroups parses "group:PAIR;PAIR,group2:PAIR" into a map of
// group name to member pairs. Malformed entries are skipped.
func ParseCorrelationGroups(spec string) map[string][]string {
	groups := map[string][]string{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		var pairs []string
		for _, p := range strings.Split(parts[1], ";") {
			p = strings.TrimSpace(p)
			if p != "" {
				pairs = append(pairs, p)
			}
		}
		if name != "" && len(pairs) > 0 {
			groups[name] = pairs
		}
	}
	return groups
}

// GroupForPair returns the correlation group containing the pair, or "".
func GroupForPair(groups map[string][]string, pair string) string {
	for name, members := range groups {
		for _, m := range members {
			if m == pair {
				return name
			}
		}
	}
	return ""
}
