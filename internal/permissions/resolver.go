package permissions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/helix-api/helix/internal/platform/cache"
)

// Subject is the minimal user shape the resolver needs.
type Subject interface {
	SubjectID() int64
	PrimaryRoleID() int64
	IsLocked() bool
}

// Source loads the grant inputs from the relational store. The users package
// provides the production implementation on top of the record cache.
type Source interface {
	// RolePermissions returns the permission list of a role.
	RolePermissions(ctx context.Context, roleID int64) ([]string, error)
	// SecondaryPermissions returns the union of the user's secondary role
	// permission lists.
	SecondaryPermissions(ctx context.Context, userID int64) ([]string, error)
	// Overrides returns the user's individual (permission, granted) pairs.
	Overrides(ctx context.Context, userID int64) (map[string]bool, error)
	// RoleMemberIDs returns every user holding the role. Primary and
	// secondary roles live in separate tables, so the flavor matters.
	RoleMemberIDs(ctx context.Context, roleID int64, secondary bool) ([]int64, error)
}

// FanoutEnqueuer hands role-wide invalidation to a background worker.
type FanoutEnqueuer interface {
	EnqueueRoleFanout(ctx context.Context, roleID int64, secondary bool) error
}

// Resolver computes, caches and invalidates effective permission sets. It is
// the only writer of the per-user permissions cache key.
type Resolver struct {
	cache  *cache.Store
	source Source
	locked []string
	fanout FanoutEnqueuer
	log    *slog.Logger
}

// NewResolver constructs a Resolver. fanout may be nil, in which case
// role-wide invalidation runs synchronously.
func NewResolver(kv *cache.Store, source Source, lockedSet []string, fanout FanoutEnqueuer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cache:  kv,
		source: source,
		locked: append([]string(nil), lockedSet...),
		fanout: fanout,
		log:    logger,
	}
}

// Key returns the cache key holding a user's resolved permission set.
func Key(userID int64) string {
	return fmt.Sprintf("users_%d_permissions", userID)
}

// Resolve computes the effective permission set for a subject.
//
// Locked accounts get the configured locked-account set immediately, skipping
// cache, roles and overrides. Otherwise the cached set is used when present;
// on a miss the set is built from the primary role's grants, unioned with
// every secondary role's grants, with individual overrides applied strictly
// afterwards so they always win, then cached without expiry.
func (r *Resolver) Resolve(ctx context.Context, sub Subject) (Set, error) {
	if sub.IsLocked() {
		return NewSet(r.locked...), nil
	}

	key := Key(sub.SubjectID())
	var cached []string
	ok, err := r.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		r.log.Warn("permissions: cache read", slog.String("key", key), slog.Any("error", err))
	} else if ok {
		return NewSet(cached...), nil
	}

	base, err := r.source.RolePermissions(ctx, sub.PrimaryRoleID())
	if err != nil {
		return nil, err
	}
	// Copied into a fresh set so later overrides never mutate the role's
	// canonical list.
	set := NewSet(base...)

	secondary, err := r.source.SecondaryPermissions(ctx, sub.SubjectID())
	if err != nil {
		return nil, err
	}
	for _, name := range secondary {
		set.Add(name)
	}

	overrides, err := r.source.Overrides(ctx, sub.SubjectID())
	if err != nil {
		return nil, err
	}
	for name, granted := range overrides {
		if granted {
			set.Add(name)
		} else {
			set.Remove(name)
		}
	}

	if err := r.cache.Set(ctx, key, set, 0); err != nil {
		r.log.Warn("permissions: cache write", slog.String("key", key), slog.Any("error", err))
	}
	return set, nil
}

// Has reports whether the subject holds the permission. The god-mode sentinel
// satisfies any check; an empty permission means any authenticated subject
// passes.
func (r *Resolver) Has(ctx context.Context, sub Subject, permission string) (bool, error) {
	if sub == nil {
		return false, nil
	}
	if permission == "" {
		return true, nil
	}
	set, err := r.Resolve(ctx, sub)
	if err != nil {
		return false, err
	}
	if set.Has(GodMode) {
		return true, nil
	}
	return set.Has(permission), nil
}

// Invalidate deletes the cached permission set for a user. Every mutation of
// a grant source must call this: role reassignment, secondary membership
// changes and override edits.
func (r *Resolver) Invalidate(ctx context.Context, userID int64) error {
	_, err := r.cache.Delete(ctx, Key(userID))
	return err
}

// InvalidateRole invalidates the cached set of every user holding the role.
// Role permission-list edits require this wider, intentionally rare sweep.
// When a fanout enqueuer is configured the sweep runs on the worker.
func (r *Resolver) InvalidateRole(ctx context.Context, roleID int64, secondary bool) error {
	if r.fanout != nil {
		return r.fanout.EnqueueRoleFanout(ctx, roleID, secondary)
	}
	return r.InvalidateRoleNow(ctx, roleID, secondary)
}

// InvalidateRoleNow performs the role-wide sweep synchronously.
func (r *Resolver) InvalidateRoleNow(ctx context.Context, roleID int64, secondary bool) error {
	ids, err := r.source.RoleMemberIDs(ctx, roleID, secondary)
	if err != nil {
		return err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(id)
	}
	return r.cache.DeleteMany(ctx, keys)
}
