package rbac

import (
	"fmt"
	"strings"
)

// AliasTable maps legacy or alternate permission keys to the key they stand
// for. Chains are allowed; cycles are rejected at construction.
type AliasTable struct {
	Version int
	entries map[string]string
}

// NewAliasTable validates entries and returns an immutable table.
func NewAliasTable(version int, entries map[string]string) (AliasTable, error) {
	copied := make(map[string]string, len(entries))
	for from, to := range entries {
		from = strings.TrimSpace(from)
		to = strings.TrimSpace(to)
		if from == "" || to == "" {
			return AliasTable{}, fmt.Errorf("alias entries require both keys (%q -> %q)", from, to)
		}
		if from == to {
			return AliasTable{}, fmt.Errorf("alias %q points to itself", from)
		}
		copied[from] = to
	}
	for start := range copied {
		seen := map[string]bool{start: true}
		cur := start
		for {
			next, ok := copied[cur]
			if !ok {
				break
			}
			if seen[next] {
				return AliasTable{}, fmt.Errorf("alias cycle through %q", start)
			}
			seen[next] = true
			cur = next
		}
	}
	return AliasTable{Version: version, entries: copied}, nil
}

// Canonical resolves key to the root of its alias chain.
func (a AliasTable) Canonical(key string) string {
	key = strings.TrimSpace(key)
	for i := 0; i <= len(a.entries); i++ {
		next, ok := a.entries[key]
		if !ok {
			return key
		}
		key = next
	}
	return key
}

func (a AliasTable) Len() int {
	return len(a.entries)
}
