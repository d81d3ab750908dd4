package record

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// inclDeadSuffix distinguishes the ID list variant that keeps dead records,
// so the two variants never collide under one key.
const inclDeadSuffix = "_incl_dead"

// InclDeadKey returns the dead-inclusive variant of an ID list key, for
// callers invalidating both variants of a list they maintain.
func InclDeadKey(key string) string { return key + inclDeadSuffix }

// IDQuery configures an ID list resolution.
type IDQuery struct {
	// Key caches the resulting list when non-empty.
	Key string
	// Filter and Order build the membership query.
	Filter Expr
	Order  string
	// IncludeDead skips the liveness filter and suffixes the cache key.
	IncludeDead bool
	// Raw, when set, is executed verbatim instead of the built query. Used
	// for membership queries the filter/order form cannot express, such as
	// joins through association tables. It must select the primary key
	// column(s) only.
	Raw *Expr
}

// IDList resolves the ordered primary keys matching a query, consulting the
// cache when a key is supplied.
func (r *Repo[T]) IDList(ctx context.Context, q IDQuery) ([]PK, error) {
	key := q.Key
	if key != "" && q.IncludeDead {
		key += inclDeadSuffix
	}
	if key != "" {
		payload, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.log.Warn("record: id list cache read", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			if pks, err := decodePKList(payload); err == nil {
				return pks, nil
			}
			if _, err := r.cache.Delete(ctx, key); err != nil {
				r.log.Warn("record: id list stale delete", slog.String("key", key), slog.Any("error", err))
			}
		}
	}

	sql, args := r.idListSQL(q)
	rows, err := r.db.Query(ctx, rebind(sql), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pks []PK
	width := len(r.desc.PrimaryKey)
	for rows.Next() {
		pk := make(PK, width)
		dest := make([]any, width)
		for i := range pk {
			dest[i] = &pk[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if key != "" {
		encoded := make([][]any, len(pks))
		for i, pk := range pks {
			encoded[i] = []any(pk)
		}
		if err := r.cache.Set(ctx, key, encoded, r.ttl); err != nil {
			r.log.Warn("record: id list cache write", slog.String("key", key), slog.Any("error", err))
		}
	}
	return pks, nil
}

func (r *Repo[T]) idListSQL(q IDQuery) (string, []any) {
	if q.Raw != nil {
		return q.Raw.SQL, q.Raw.Args
	}
	filter := q.Filter
	if r.desc.Liveness != "" && !q.IncludeDead {
		filter = And(filter, NewExpr("NOT "+r.desc.Liveness))
	}
	sql := "SELECT " + strings.Join(r.desc.PrimaryKey, ", ") + " FROM " + r.desc.Table
	var args []any
	if !filter.Empty() {
		sql += " WHERE " + filter.SQL
		args = filter.Args
	}
	if q.Order != "" {
		sql += " ORDER BY " + q.Order
	}
	return sql, args
}

// PopulateFromPKs bulk-fetches the records for the requested primary keys:
// one batched cache read, one IN-clause query for the misses, one pipelined
// cache write for the newly fetched rows. Results come back in the requested
// order; keys that resolve to no row (for example a racing deletion) are
// silently skipped. No liveness filtering happens here.
func (r *Repo[T]) PopulateFromPKs(ctx context.Context, pks []PK, filter Expr) ([]T, error) {
	if len(pks) == 0 {
		return nil, nil
	}

	found := make(map[string]T, len(pks))
	missing := pks

	if r.desc.HasCacheKey() {
		keys := make([]string, len(pks))
		for i, pk := range pks {
			key, err := r.desc.Key(pk)
			if err != nil {
				return nil, err
			}
			keys[i] = key
		}
		payloads, err := r.cache.GetMany(ctx, keys)
		if err != nil {
			r.log.Warn("record: bulk cache read", slog.Any("error", err))
			payloads = make([][]byte, len(pks))
		}
		missing = missing[:0:0]
		for i, payload := range payloads {
			if payload == nil || !r.validPayload(payload) {
				missing = append(missing, pks[i])
				continue
			}
			rec, ok := r.decodePayload(keys[i], payload)
			if !ok {
				missing = append(missing, pks[i])
				continue
			}
			found[pks[i].mapKey()] = rec
		}
	}

	if len(missing) > 0 {
		fetched, err := r.fetchByPKs(ctx, missing, filter)
		if err != nil {
			return nil, err
		}
		if r.desc.HasCacheKey() && len(fetched) > 0 {
			values := make(map[string]any, len(fetched))
			for _, rec := range fetched {
				key, err := r.desc.Key(r.pkOf(rec))
				if err != nil {
					return nil, err
				}
				values[key] = rec
			}
			if err := r.cache.SetMany(ctx, values, r.ttl); err != nil {
				r.log.Warn("record: bulk cache write", slog.Any("error", err))
			}
		}
		for _, rec := range fetched {
			found[r.pkOf(rec).mapKey()] = rec
		}
	}

	results := make([]T, 0, len(pks))
	seen := make(map[string]struct{}, len(pks))
	for _, pk := range pks {
		mk := pk.mapKey()
		if _, dup := seen[mk]; dup {
			continue
		}
		seen[mk] = struct{}{}
		if rec, ok := found[mk]; ok {
			results = append(results, rec)
		}
	}
	return results, nil
}

func (r *Repo[T]) decodePayload(key string, payload []byte) (T, bool) {
	var rec T
	if err := json.Unmarshal(payload, &rec); err != nil {
		r.log.Warn("record: cache decode", slog.String("key", key), slog.Any("error", err))
		var zero T
		return zero, false
	}
	return rec, true
}

func (r *Repo[T]) fetchByPKs(ctx context.Context, pks []PK, filter Expr) ([]T, error) {
	where, args := r.pkMatch(pks)
	cond := And(NewExpr(where, args...), filter)
	sql := "SELECT " + strings.Join(r.desc.Columns, ", ") + " FROM " + r.desc.Table + " WHERE " + cond.SQL
	rows, err := r.db.Query(ctx, rebind(sql), cond.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []T
	for rows.Next() {
		rec, err := r.scan(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListQuery configures a list fetch.
type ListQuery[T any] struct {
	// Key, Filter, Order, IncludeDead and Raw feed the ID list resolution.
	Key         string
	Filter      Expr
	Order       string
	IncludeDead bool
	Raw         *Expr

	// PKs skips ID list resolution and fetches exactly these keys.
	PKs []PK

	// Page and Limit paginate the ID list. A set Page pins page numbering:
	// the page is returned as-is with no backfill, so numbering stays stable
	// across requests even when filtering under-fills it.
	Page  int
	Limit int

	// Reverse flips the ID order before pagination.
	Reverse bool

	// Required drops records missing a required attribute.
	Required func(T) bool
}

// GetMany runs the general list-fetch algorithm: resolve IDs, paginate,
// bulk-populate, filter by liveness, access and required attributes, and
// backfill from the remaining IDs when filtering shrank an unpinned page
// below the requested limit.
func (r *Repo[T]) GetMany(ctx context.Context, q ListQuery[T]) ([]T, error) {
	pks := q.PKs
	if pks == nil {
		resolved, err := r.IDList(ctx, IDQuery{
			Key:         q.Key,
			Filter:      q.Filter,
			Order:       q.Order,
			IncludeDead: q.IncludeDead,
			Raw:         q.Raw,
		})
		if err != nil {
			return nil, err
		}
		pks = resolved
	}
	if q.Reverse {
		reversed := make([]PK, len(pks))
		for i, pk := range pks {
			reversed[len(pks)-1-i] = pk
		}
		pks = reversed
	}

	paged := q.Page > 0
	var extra []PK
	if q.Limit > 0 {
		offset := 0
		if paged {
			offset = (q.Page - 1) * q.Limit
		}
		if offset >= len(pks) {
			pks = nil
		} else {
			end := offset + q.Limit
			if end > len(pks) {
				end = len(pks)
			}
			if !paged {
				extra = pks[end:]
			}
			pks = pks[offset:end]
		}
	}

	results := make([]T, 0, len(pks))
	batch := pks
	for len(batch) > 0 {
		fetched, err := r.PopulateFromPKs(ctx, batch, Expr{})
		if err != nil {
			return nil, err
		}
		for _, rec := range fetched {
			if r.dead != nil && !q.IncludeDead && r.dead(rec) {
				continue
			}
			if r.access != nil && !r.access(ctx, rec) {
				continue
			}
			if q.Required != nil && !q.Required(rec) {
				continue
			}
			results = append(results, rec)
			if q.Limit > 0 && len(results) == q.Limit {
				return results, nil
			}
		}
		if q.Limit == 0 || paged || len(extra) == 0 {
			break
		}
		need := q.Limit - len(results)
		if need > len(extra) {
			need = len(extra)
		}
		batch = extra[:need]
		extra = extra[need:]
	}
	return results, nil
}
