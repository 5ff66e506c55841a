//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package etl

import (
	"sort"
	"strings"
	"sync"
)

// keySep joins natural key parts. It cannot appear in normalized text.
const keySep = "\x1f"

// Normalize is the canonical form of a natural value: trimmed and upper
// case. A NULL value normalizes to the empty string.
func Normalize(s *string) string {
	if s == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(*s, keySep, "")))
}

// NaturalKey joins already-normalized parts into an arena key.
func NaturalKey(parts ...string) string {
	return strings.Join(parts, keySep)
}

// SplitKey is the inverse of NaturalKey.
func SplitKey(key string) []string {
	return strings.Split(key, keySep)
}

// Arena maps normalized natural keys of one discovered dimension to their
// surrogate keys. Keys only ever get added; an assigned key is never
// changed or reused.
type Arena struct {
	mu   sync.RWMutex
	keys map[string]int
	max  int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{keys: make(map[string]int)}
}

// Seed records a persisted mapping.
func (a *Arena) Seed(natural string, key int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[natural] = key
	if key > a.max {
		a.max = key
	}
}

// SeedMax raises the highest known surrogate without recording a mapping,
// for arenas seeded with only part of a large dimension.
func (a *Arena) SeedMax(key int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key > a.max {
		a.max = key
	}
}

// Lookup resolves a natural key.
func (a *Arena) Lookup(natural string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key, ok := a.keys[natural]
	return key, ok
}

// AssignMissing gives every natural key not yet known the next free
// surrogate, in ascending natural-key order so that assignment does not
// depend on scan order. It returns the new mappings.
func (a *Arena) AssignMissing(naturals []string) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var missing []string
	seen := make(map[string]bool)
	for _, n := range naturals {
		if _, ok := a.keys[n]; ok || seen[n] {
			continue
		}
		seen[n] = true
		missing = append(missing, n)
	}
	sort.Strings(missing)

	assigned := make(map[string]int, len(missing))
	for _, n := range missing {
		a.max++
		a.keys[n] = a.max
		assigned[n] = a.max
	}
	return assigned
}

// Len returns the number of known natural keys.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Max returns the highest surrogate key seen.
func (a *Arena) Max() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.max
}
