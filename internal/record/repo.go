package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"

	"github.com/helix-api/helix/internal/platform/cache"
	"github.com/helix-api/helix/internal/platform/db"
	"github.com/helix-api/helix/internal/shared"
)

// Scan assigns one row's column values, in Descriptor.Columns order, to the
// supplied destinations.
type Scan func(dest ...any) error

// Config wires a Repo for one record type.
type Config[T any] struct {
	Descriptor Descriptor
	DB         db.Querier
	Cache      *cache.Store
	Logger     *slog.Logger

	// TTL for cached records and ID lists. Zero means no expiry.
	TTL time.Duration

	// ScanRow reads one row, columns in Descriptor.Columns order.
	ScanRow func(scan Scan) (T, error)
	// PKOf extracts the primary key tuple from a record.
	PKOf func(T) PK
	// Dead reports whether the record's liveness column marks it dead.
	// Nil when the type has no liveness column.
	Dead func(T) bool
	// Access is the accessor-level authorization check applied by GetMany.
	// Nil means every record passes.
	Access func(ctx context.Context, rec T) bool
}

// Repo is the cached repository for one record type. Reads go through the
// key/value cache and fall back to the database; the cache is best-effort for
// reads but population after a database fetch happens synchronously so
// subsequent reads are consistent.
type Repo[T any] struct {
	desc   Descriptor
	db     db.Querier
	cache  *cache.Store
	log    *slog.Logger
	ttl    time.Duration
	scan   func(scan Scan) (T, error)
	pkOf   func(T) PK
	dead   func(T) bool
	access func(ctx context.Context, rec T) bool

	group singleflight.Group
}

// New constructs a Repo from its configuration.
func New[T any](cfg Config[T]) *Repo[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo[T]{
		desc:   cfg.Descriptor,
		db:     cfg.DB,
		cache:  cfg.Cache,
		log:    logger,
		ttl:    cfg.TTL,
		scan:   cfg.ScanRow,
		pkOf:   cfg.PKOf,
		dead:   cfg.Dead,
		access: cfg.Access,
	}
}

// Descriptor exposes the type's descriptor.
func (r *Repo[T]) Descriptor() Descriptor { return r.desc }

// GetOpts tunes single-record fetches.
type GetOpts struct {
	// IncludeDead returns records whose liveness column marks them dead.
	// Liveness filtering always happens after the fetch, never inside the
	// cached payload.
	IncludeDead bool
}

// GetByPK fetches one record by primary key, consulting the cache first. The
// boolean is false when the record does not exist or is dead and dead records
// were not requested.
func (r *Repo[T]) GetByPK(ctx context.Context, pk PK, opts GetOpts) (T, bool, error) {
	var zero T
	key, err := r.desc.Key(pk)
	if err != nil {
		return zero, false, err
	}
	if rec, ok := r.fromCache(ctx, key); ok {
		return r.applyLiveness(rec, opts.IncludeDead)
	}
	result, err, _ := r.group.Do(key, func() (any, error) {
		rec, found, err := r.fetchOne(ctx, pk)
		if err != nil || !found {
			return nil, err
		}
		r.cacheRecord(ctx, key, rec)
		return &rec, nil
	})
	if err != nil {
		return zero, false, err
	}
	rec, ok := result.(*T)
	if !ok || rec == nil {
		return zero, false, nil
	}
	return r.applyLiveness(*rec, opts.IncludeDead)
}

// Create inserts a record and caches it when the type defines a cache key
// template. A unique violation surfaces as a validation error.
func (r *Repo[T]) Create(ctx context.Context, fields map[string]any) (T, error) {
	var zero T
	cols := sortedKeys(fields)
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = fields[col]
	}
	sql := "INSERT INTO " + r.desc.Table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		placeholders(len(cols)) + ") RETURNING " + strings.Join(r.desc.Columns, ", ")
	rows, err := r.db.Query(ctx, rebind(sql), args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return zero, shared.Validationf("Another %s with these values already exists.", r.desc.Table)
		}
		return zero, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return zero, err
		}
		return zero, errors.New("record: insert returned no row")
	}
	rec, err := r.scan(rows.Scan)
	if err != nil {
		return zero, err
	}
	rows.Close()
	if r.desc.HasCacheKey() {
		if key, err := r.desc.Key(r.pkOf(rec)); err == nil {
			r.cacheRecord(ctx, key, rec)
		}
	}
	return rec, nil
}

// BulkUpdate applies the same column updates to every listed primary key in a
// single statement, then invalidates each record's individual cache key.
// ID-list and count caches whose membership or ordering the update may have
// changed are NOT invalidated here; that is the caller's responsibility,
// because mapping an arbitrary column update onto the affected list queries
// was judged too costly to track.
func (r *Repo[T]) BulkUpdate(ctx context.Context, pks []PK, updates map[string]any) error {
	if len(pks) == 0 || len(updates) == 0 {
		return nil
	}
	cols := sortedKeys(updates)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(pks))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, updates[col])
	}
	where, whereArgs := r.pkMatch(pks)
	args = append(args, whereArgs...)
	sql := "UPDATE " + r.desc.Table + " SET " + strings.Join(sets, ", ") + " WHERE " + where
	if err := r.db.Exec(ctx, rebind(sql), args...); err != nil {
		return err
	}
	return r.Invalidate(ctx, pks...)
}

// Invalidate deletes the individual cache keys for the given primary keys.
// Types without a cache key template are a no-op.
func (r *Repo[T]) Invalidate(ctx context.Context, pks ...PK) error {
	if !r.desc.HasCacheKey() || len(pks) == 0 {
		return nil
	}
	keys := make([]string, 0, len(pks))
	for _, pk := range pks {
		key, err := r.desc.Key(pk)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	return r.cache.DeleteMany(ctx, keys)
}

// CountQuery configures a cached count.
type CountQuery struct {
	Key    string
	Column string
	Filter Expr
}

// Count returns a cached COUNT(column), computing and caching it on miss.
// Computed counts live until explicitly invalidated.
func (r *Repo[T]) Count(ctx context.Context, q CountQuery) (int, error) {
	var cached int
	if q.Key != "" {
		ok, err := r.cache.GetJSON(ctx, q.Key, &cached)
		if err != nil {
			r.log.Warn("record: count cache read", slog.String("key", q.Key), slog.Any("error", err))
		} else if ok {
			return cached, nil
		}
	}
	col := q.Column
	if col == "" {
		col = r.desc.PrimaryKey[0]
	}
	sql := "SELECT COUNT(" + col + ") FROM " + r.desc.Table
	var args []any
	if !q.Filter.Empty() {
		sql += " WHERE " + q.Filter.SQL
		args = q.Filter.Args
	}
	rows, err := r.db.Query(ctx, rebind(sql), args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if q.Key != "" {
		if err := r.cache.Set(ctx, q.Key, count, 0); err != nil {
			r.log.Warn("record: count cache write", slog.String("key", q.Key), slog.Any("error", err))
		}
	}
	return count, nil
}

// fetchOne runs the single-row primary key query.
func (r *Repo[T]) fetchOne(ctx context.Context, pk PK) (T, bool, error) {
	var zero T
	if len(pk) != len(r.desc.PrimaryKey) {
		return zero, false, shared.Configurationf("record: %s expects %d key values, got %d", r.desc.Table, len(r.desc.PrimaryKey), len(pk))
	}
	conds := make([]string, len(r.desc.PrimaryKey))
	for i, col := range r.desc.PrimaryKey {
		conds[i] = col + " = ?"
	}
	sql := "SELECT " + strings.Join(r.desc.Columns, ", ") + " FROM " + r.desc.Table +
		" WHERE " + strings.Join(conds, " AND ") + " LIMIT 1"
	rows, err := r.db.Query(ctx, rebind(sql), []any(pk)...)
	if err != nil {
		return zero, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return zero, false, rows.Err()
	}
	rec, err := r.scan(rows.Scan)
	if err != nil {
		return zero, false, err
	}
	return rec, true, rows.Err()
}

// fromCache attempts a validated cache read. A payload whose column set does
// not exactly match the live schema is treated as corrupt: the key is deleted
// and the read reported as a miss.
func (r *Repo[T]) fromCache(ctx context.Context, key string) (T, bool) {
	var zero T
	payload, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.log.Warn("record: cache read", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	if !r.validPayload(payload) {
		if _, err := r.cache.Delete(ctx, key); err != nil {
			r.log.Warn("record: stale key delete", slog.String("key", key), slog.Any("error", err))
		}
		return zero, false
	}
	var rec T
	if err := json.Unmarshal(payload, &rec); err != nil {
		r.log.Warn("record: cache decode", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	return rec, true
}

// validPayload checks the cached column set against the descriptor's.
func (r *Repo[T]) validPayload(payload []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return false
	}
	if len(raw) != len(r.desc.Columns) {
		return false
	}
	declared := r.desc.columnSet()
	for col := range raw {
		if _, ok := declared[col]; !ok {
			return false
		}
	}
	return true
}

// cacheRecord writes a record synchronously. Failures degrade to a warning;
// the database remains authoritative.
func (r *Repo[T]) cacheRecord(ctx context.Context, key string, rec T) {
	if err := r.cache.Set(ctx, key, rec, r.ttl); err != nil {
		r.log.Warn("record: cache write", slog.String("key", key), slog.Any("error", err))
	}
}

// applyLiveness filters dead records after the fetch.
func (r *Repo[T]) applyLiveness(rec T, includeDead bool) (T, bool, error) {
	if r.dead != nil && !includeDead && r.dead(rec) {
		var zero T
		return zero, false, nil
	}
	return rec, true, nil
}

// pkMatch builds the WHERE fragment matching the given primary keys: a single
// IN clause for scalar keys, per-column IN groups joined with AND for
// composite keys.
func (r *Repo[T]) pkMatch(pks []PK) (string, []any) {
	if len(r.desc.PrimaryKey) == 1 {
		args := make([]any, len(pks))
		for i, pk := range pks {
			args[i] = pk[0]
		}
		return r.desc.PrimaryKey[0] + " IN (" + placeholders(len(pks)) + ")", args
	}
	conds := make([]string, len(r.desc.PrimaryKey))
	var args []any
	for i, col := range r.desc.PrimaryKey {
		colArgs := make([]any, len(pks))
		for j, pk := range pks {
			colArgs[j] = pk[i]
		}
		conds[i] = col + " IN (" + placeholders(len(pks)) + ")"
		args = append(args, colArgs...)
	}
	return strings.Join(conds, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// decodePKList decodes a cached ID list, normalizing JSON numbers back to
// integral values.
func decodePKList(payload []byte) ([]PK, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	pks := make([]PK, len(raw))
	for i, tuple := range raw {
		pk := make(PK, len(tuple))
		for j, v := range tuple {
			pk[j] = normalizeValue(v)
		}
		pks[i] = pk
	}
	return pks, nil
}

func normalizeValue(v any) any {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}
