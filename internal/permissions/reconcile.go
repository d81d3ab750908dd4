package permissions

import (
	"context"

	"github.com/helix-api/helix/internal/shared"
)

// ChangeSet is the reconciled outcome of a requested permission change:
// overrides to insert as grants, overrides to insert as ungrants, and
// existing overrides to delete.
type ChangeSet struct {
	Add     Set
	Ungrant Set
	Delete  Set
}

// Reconcile validates a requested change-set (permission name -> grant or
// revoke) against the subject's current role grants and overrides.
//
// A grant is satisfiable when the permission is not already role-derived, or
// when a false override currently suppresses it (the override is deleted and
// re-added as a grant). A revoke is satisfiable when a true override exists
// (deleted) or the permission is role-derived (a false override is added).
// Requests that cannot be satisfied fail with a validation error listing the
// offending names grouped by category.
func (r *Resolver) Reconcile(ctx context.Context, sub Subject, changes map[string]bool) (ChangeSet, error) {
	cs := ChangeSet{Add: NewSet(), Ungrant: NewSet(), Delete: NewSet()}
	failures := map[string][]string{}

	roleSet := NewSet()
	base, err := r.source.RolePermissions(ctx, sub.PrimaryRoleID())
	if err != nil {
		return ChangeSet{}, err
	}
	for _, name := range base {
		roleSet.Add(name)
	}
	secondary, err := r.source.SecondaryPermissions(ctx, sub.SubjectID())
	if err != nil {
		return ChangeSet{}, err
	}
	for _, name := range secondary {
		roleSet.Add(name)
	}
	overrides, err := r.source.Overrides(ctx, sub.SubjectID())
	if err != nil {
		return ChangeSet{}, err
	}

	for perm, grant := range changes {
		if grant {
			if !IsValid(perm) {
				failures["recognized"] = append(failures["recognized"], perm)
				continue
			}
			if current, ok := overrides[perm]; ok {
				if !current {
					cs.Delete.Add(perm)
					cs.Add.Add(perm)
				}
			} else if !roleSet.Has(perm) {
				cs.Add.Add(perm)
			}
			if !cs.Add.Has(perm) && !cs.Delete.Has(perm) {
				failures["added"] = append(failures["added"], perm)
			}
			continue
		}
		// Revoking a permission the registry no longer knows is allowed; a
		// stale override can outlive its definition.
		if current, ok := overrides[perm]; ok && current {
			cs.Delete.Add(perm)
		}
		if roleSet.Has(perm) {
			cs.Ungrant.Add(perm)
		}
		if !cs.Delete.Has(perm) && !cs.Ungrant.Has(perm) {
			failures["deleted"] = append(failures["deleted"], perm)
		}
	}

	if len(failures) > 0 {
		return ChangeSet{}, shared.ValidationGroups(failures)
	}
	return cs, nil
}
