// Package record implements the generic read-through, write-invalidate
// caching layer over the relational store. Each record type supplies a
// Descriptor and a handful of typed hooks; the repository logic is shared.
package record

import (
	"fmt"
	"strings"

	"github.com/helix-api/helix/internal/shared"
)

// Descriptor declares the persistence and caching shape of a record type.
type Descriptor struct {
	// Table is the relation name.
	Table string
	// Columns is the ordered, complete column list. A cached payload whose
	// column set differs from this list is considered corrupt and discarded.
	Columns []string
	// PrimaryKey names the key column(s). Association tables use more than one.
	PrimaryKey []string
	// CacheKey is the per-record key template, with {column} placeholders for
	// each primary key column, e.g. "users_{id}". Empty means the type's
	// records are not individually cached.
	CacheKey string
	// CacheKeyAll optionally names the all-of-type ID list key.
	CacheKeyAll string
	// Liveness optionally names a boolean column marking records logically
	// dead (deleted/revoked/expired) without physical removal.
	Liveness string
}

// PK is an ordered tuple of primary key values. Single-key types use a
// one-element tuple.
type PK []any

// ScalarPK wraps a single-column key value.
func ScalarPK(v any) PK { return PK{v} }

// mapKey renders the tuple into a stable string for in-process map lookups.
func (pk PK) mapKey() string {
	parts := make([]string, len(pk))
	for i, v := range pk {
		parts[i] = strings.ToLower(fmt.Sprint(v))
	}
	return strings.Join(parts, "\x1f")
}

// HasCacheKey reports whether the type defines a per-record key template.
func (d Descriptor) HasCacheKey() bool { return d.CacheKey != "" }

// Key builds the cache key for a primary key tuple. Cache keys are
// deterministic functions of (type, key values), which is what allows
// invalidation to reconstruct keys instead of tracking them.
func (d Descriptor) Key(pk PK) (string, error) {
	if d.CacheKey == "" {
		return "", shared.Configurationf("record: no cache key template configured for %s", d.Table)
	}
	if len(pk) != len(d.PrimaryKey) {
		return "", shared.Configurationf("record: %s expects %d key values, got %d", d.Table, len(d.PrimaryKey), len(pk))
	}
	key := d.CacheKey
	for i, col := range d.PrimaryKey {
		key = strings.ReplaceAll(key, "{"+col+"}", fmt.Sprint(pk[i]))
	}
	return strings.ToLower(key), nil
}

// columnSet returns the declared columns as a set.
func (d Descriptor) columnSet() map[string]struct{} {
	set := make(map[string]struct{}, len(d.Columns))
	for _, col := range d.Columns {
		set[col] = struct{}{}
	}
	return set
}
