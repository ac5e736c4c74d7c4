package pool

import (
	"sort"
	"strings"
)

// Signature canonicalizes a package list into the order-independent reuse
// key: lower-cased, trimmed, deduplicated, sorted, comma-joined. An empty
// package set yields the empty signature.
func Signature(packages []string) string {
	seen := make(map[string]bool, len(packages))
	normalized := make([]string, 0, len(packages))
	for _, p := range packages {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		normalized = append(normalized, p)
	}
	sort.Strings(normalized)
	return strings.Join(normalized, ",")
}
