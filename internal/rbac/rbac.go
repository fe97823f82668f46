package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// PermissionSet is the set of keys granted to a user. It decodes from a JSON
// array of keys, a sparse object of key -> bool, or null.
type PermissionSet map[string]struct{}

func NewPermissionSet(keys ...string) PermissionSet {
	set := PermissionSet{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

func (p *PermissionSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = PermissionSet{}
		return nil
	}
	switch trimmed[0] {
	case '[':
		var keys []string
		if err := json.Unmarshal(trimmed, &keys); err != nil {
			return err
		}
		*p = NewPermissionSet(keys...)
		return nil
	case '{':
		var sparse map[string]any
		if err := json.Unmarshal(trimmed, &sparse); err != nil {
			return err
		}
		set := PermissionSet{}
		for k, v := range sparse {
			if truthy(v) {
				set[k] = struct{}{}
			}
		}
		*p = set
		return nil
	}
	return fmt.Errorf("permissions must be an array, an object or null")
}

func (p PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Keys())
}

// Keys returns the granted keys in sorted order.
func (p PermissionSet) Keys() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p PermissionSet) Add(keys ...string) {
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p[k] = struct{}{}
		}
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "false")
	}
	return false
}

// User is the principal an authorization decision is made for.
type User struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind,omitempty"`
	IsSuper     bool          `json:"is_super"`
	Permissions PermissionSet `json:"permissions"`
}

// Evaluator answers permission questions. The zero value has no aliases.
type Evaluator struct {
	aliases AliasTable
}

func NewEvaluator(aliases AliasTable) Evaluator {
	return Evaluator{aliases: aliases}
}

func (e Evaluator) Aliases() AliasTable {
	return e.aliases
}

// Can reports whether u holds key. Super users hold every key.
func (e Evaluator) Can(u User, key string) bool {
	if u.IsSuper {
		return true
	}
	want := e.aliases.Canonical(key)
	if want == "" {
		return false
	}
	for granted := range u.Permissions {
		if e.aliases.Canonical(granted) == want {
			return true
		}
	}
	return false
}

func (e Evaluator) CanAny(u User, keys ...string) bool {
	for _, k := range keys {
		if e.Can(u, k) {
			return true
		}
	}
	return false
}

// CanAll reports whether u holds every key. An empty list is vacuously held.
func (e Evaluator) CanAll(u User, keys ...string) bool {
	for _, k := range keys {
		if !e.Can(u, k) {
			return false
		}
	}
	return true
}

// Require returns a ForbiddenError when u lacks key.
func (e Evaluator) Require(u User, key string) error {
	if e.Can(u, key) {
		return nil
	}
	return ForbiddenError{Permission: key}
}

// Effective returns the canonical keys u holds, for display.
func (e Evaluator) Effective(u User) []string {
	set := PermissionSet{}
	for k := range u.Permissions {
		set.Add(e.aliases.Canonical(k))
	}
	return set.Keys()
}
