package record

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/helix-api/helix/internal/platform/cache"
	"github.com/helix-api/helix/internal/platform/db"
)

func TestIDListCachesWithDeadVariantSuffix(t *testing.T) {
	fdb := seedThings(3)
	fdb.things[2].Deleted = true
	repo, kv := newThingRepo(t, fdb)
	ctx := context.Background()

	live, err := repo.IDList(ctx, IDQuery{Key: "things_all", Order: "id ASC"})
	require.NoError(t, err)
	require.Len(t, live, 2)

	all, err := repo.IDList(ctx, IDQuery{Key: "things_all", Order: "id ASC", IncludeDead: true})
	require.NoError(t, err)
	require.Len(t, all, 3)

	for _, key := range []string{"things_all", "things_all_incl_dead"} {
		has, err := kv.Has(ctx, key)
		require.NoError(t, err)
		require.True(t, has, key)
	}

	// Both variants now short-circuit the database.
	queries := len(fdb.queries)
	_, err = repo.IDList(ctx, IDQuery{Key: "things_all", Order: "id ASC"})
	require.NoError(t, err)
	_, err = repo.IDList(ctx, IDQuery{Key: "things_all", Order: "id ASC", IncludeDead: true})
	require.NoError(t, err)
	require.Len(t, fdb.queries, queries)
}

func TestIDListRawQuery(t *testing.T) {
	fdb := seedThings(3)
	fdb.things[1].Name = "special"
	repo, _ := newThingRepo(t, fdb)

	raw := NewExpr("SELECT id FROM things WHERE name = ?", "special")
	pks, err := repo.IDList(context.Background(), IDQuery{Raw: &raw})
	require.NoError(t, err)
	require.Len(t, pks, 1)
	require.Equal(t, int64(2), pks[0][0])
}

func TestPopulateFromPKsPreservesRequestedOrder(t *testing.T) {
	fdb := seedThings(3)
	repo, _ := newThingRepo(t, fdb)
	ctx := context.Background()

	pks := []PK{ScalarPK(int64(3)), ScalarPK(int64(1)), ScalarPK(int64(2))}
	records, err := repo.PopulateFromPKs(ctx, pks, Expr{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, int64(3), records[0].ID)
	require.Equal(t, int64(1), records[1].ID)
	require.Equal(t, int64(2), records[2].ID)

	// Everything cached now: a second populate needs no database round trip.
	queries := len(fdb.queries)
	_, err = repo.PopulateFromPKs(ctx, pks, Expr{})
	require.NoError(t, err)
	require.Len(t, fdb.queries, queries)
}

func TestPopulateFromPKsSkipsMissingAndDuplicates(t *testing.T) {
	fdb := seedThings(2)
	repo, _ := newThingRepo(t, fdb)

	pks := []PK{ScalarPK(int64(1)), ScalarPK(int64(9)), ScalarPK(int64(1)), ScalarPK(int64(2))}
	records, err := repo.PopulateFromPKs(context.Background(), pks, Expr{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(1), records[0].ID)
	require.Equal(t, int64(2), records[1].ID)
}

func TestGetManyBackfillsFilteredPage(t *testing.T) {
	fdb := seedThings(7)
	fdb.things[1].Name = "hidden" // id 2
	fdb.things[3].Name = "hidden" // id 4
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := New(Config[*thing]{
		Descriptor: thingDescriptor,
		DB:         fdb,
		Cache:      cache.NewStore(client),
		Logger:     slog.Default(),
		ScanRow:    scanThing,
		PKOf:       func(t *thing) PK { return ScalarPK(t.ID) },
		Dead:       func(t *thing) bool { return t.Deleted },
		Access: func(ctx context.Context, t *thing) bool {
			return t.Name != "hidden"
		},
	})

	records, err := repo.GetMany(context.Background(), ListQuery[*thing]{
		Order: "id ASC",
		Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Ids 2 and 4 failed the access check, so the limit was met by reaching
	// past the first three ids.
	require.Equal(t, int64(1), records[0].ID)
	require.Equal(t, int64(3), records[1].ID)
	require.Equal(t, int64(5), records[2].ID)
}

func TestGetManyPinnedPageDoesNotBackfill(t *testing.T) {
	fdb := seedThings(7)
	fdb.things[4].Deleted = true // id 5
	repo, _ := newThingRepo(t, fdb)

	records, err := repo.GetMany(context.Background(), ListQuery[*thing]{
		Order: "id ASC",
		Page:  2,
		Limit: 3,
	})
	require.NoError(t, err)
	// The dead record never made it into the ID list, so page 2 of the live
	// list is 4,6,7.
	require.Len(t, records, 3)
	require.Equal(t, int64(4), records[0].ID)
	require.Equal(t, int64(6), records[1].ID)
	require.Equal(t, int64(7), records[2].ID)
}

func TestGetManyPinnedPageShortResult(t *testing.T) {
	fdb := seedThings(7)
	fdb.things[4].Name = "hidden" // id 5
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := New(Config[*thing]{
		Descriptor: thingDescriptor,
		DB:         fdb,
		Cache:      cache.NewStore(client),
		Logger:     slog.Default(),
		ScanRow:    scanThing,
		PKOf:       func(t *thing) PK { return ScalarPK(t.ID) },
		Dead:       func(t *thing) bool { return t.Deleted },
		Access: func(ctx context.Context, t *thing) bool {
			return t.Name != "hidden"
		},
	})

	records, err := repo.GetMany(context.Background(), ListQuery[*thing]{
		Order: "id ASC",
		Page:  2,
		Limit: 3,
	})
	require.NoError(t, err)
	// The page covered ids 4..6; id 5 was filtered out and stays missing so
	// page numbering remains stable.
	require.Len(t, records, 2)
	require.Equal(t, int64(4), records[0].ID)
	require.Equal(t, int64(6), records[1].ID)
}

func TestGetManyReverse(t *testing.T) {
	fdb := seedThings(3)
	repo, _ := newThingRepo(t, fdb)

	records, err := repo.GetMany(context.Background(), ListQuery[*thing]{
		Order:   "id ASC",
		Reverse: true,
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, int64(3), records[0].ID)
	require.Equal(t, int64(1), records[2].ID)
}

func TestGetManyRequiredAttribute(t *testing.T) {
	fdb := seedThings(3)
	fdb.things[1].Name = ""
	repo, _ := newThingRepo(t, fdb)

	records, err := repo.GetMany(context.Background(), ListQuery[*thing]{
		Order:    "id ASC",
		Required: func(t *thing) bool { return t.Name != "" },
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestGetManyExplicitPKs(t *testing.T) {
	fdb := seedThings(3)
	repo, _ := newThingRepo(t, fdb)

	records, err := repo.GetMany(context.Background(), ListQuery[*thing]{
		PKs: []PK{ScalarPK(int64(2)), ScalarPK(int64(3))},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(2), records[0].ID)
}

// Composite-key coverage uses a two-column association-style table.

type pairRow struct {
	A   int64  `json:"a"`
	B   string `json:"b"`
	Val string `json:"val"`
}

var pairDescriptor = Descriptor{
	Table:      "pairs",
	Columns:    []string{"a", "b", "val"},
	PrimaryKey: []string{"a", "b"},
	CacheKey:   "pairs_{a}_{b}",
}

type fakePairDB struct {
	pairs   []*pairRow
	queries []string
}

func (f *fakePairDB) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	f.queries = append(f.queries, sql)
	if !strings.Contains(sql, "a IN (") || !strings.Contains(sql, "b IN (") {
		return nil, fmt.Errorf("fake pair db: unhandled query %q", sql)
	}
	n := len(args) / 2
	as := make(map[int64]struct{}, n)
	bs := make(map[string]struct{}, n)
	for _, a := range args[:n] {
		as[a.(int64)] = struct{}{}
	}
	for _, b := range args[n:] {
		bs[b.(string)] = struct{}{}
	}
	var rows [][]any
	for _, p := range f.pairs {
		_, aOK := as[p.A]
		_, bOK := bs[p.B]
		// Per-column IN groups over-match by design; the repository drops
		// rows that were not actually requested during reassembly.
		if aOK && bOK {
			rows = append(rows, []any{p.A, p.B, p.Val})
		}
	}
	return &fakeRows{rows: rows}, nil
}

func (f *fakePairDB) Exec(ctx context.Context, sql string, args ...any) error {
	return fmt.Errorf("fake pair db: unhandled exec %q", sql)
}

func TestPopulateFromPKsCompositeKeys(t *testing.T) {
	fdb := &fakePairDB{pairs: []*pairRow{
		{A: 1, B: "x", Val: "1x"},
		{A: 1, B: "y", Val: "1y"},
		{A: 2, B: "x", Val: "2x"},
		{A: 2, B: "y", Val: "2y"},
	}}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := cache.NewStore(client)
	repo := New(Config[*pairRow]{
		Descriptor: pairDescriptor,
		DB:         fdb,
		Cache:      kv,
		Logger:     slog.Default(),
		ScanRow: func(scan Scan) (*pairRow, error) {
			var p pairRow
			if err := scan(&p.A, &p.B, &p.Val); err != nil {
				return nil, err
			}
			return &p, nil
		},
		PKOf: func(p *pairRow) PK { return PK{p.A, p.B} },
	})
	ctx := context.Background()

	// (1,x) and (2,y): the cross product also matches (1,y) and (2,x), which
	// must not leak into the result.
	pks := []PK{{int64(1), "x"}, {int64(2), "y"}}
	records, err := repo.PopulateFromPKs(ctx, pks, Expr{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "1x", records[0].Val)
	require.Equal(t, "2y", records[1].Val)

	has, err := kv.Has(ctx, "pairs_1_x")
	require.NoError(t, err)
	require.True(t, has)
}
