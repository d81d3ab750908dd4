package users

import (
	"context"
	"log/slog"

	"github.com/helix-api/helix/internal/permissions"
	"github.com/helix-api/helix/internal/record"
	"github.com/helix-api/helix/internal/shared"
)

// Service binds the account store to the permission resolver so every grant
// mutation invalidates the cached sets it affects.
type Service struct {
	store    *Store
	resolver *permissions.Resolver
	log      *slog.Logger
}

func NewService(store *Store, resolver *permissions.Resolver, logger *slog.Logger) *Service {
	return &Service{store: store, resolver: resolver, log: logger}
}

func (s *Service) Store() *Store { return s.store }

// Permissions resolves a user's effective permission set.
func (s *Service) Permissions(ctx context.Context, u *User) (permissions.Set, error) {
	return s.resolver.Resolve(ctx, u)
}

// SetUserPermissions reconciles requested override changes against the
// user's current state, writes the surviving rows and invalidates the cached
// set. Invalid changes reject the whole request.
func (s *Service) SetUserPermissions(ctx context.Context, u *User, changes map[string]bool) error {
	cs, err := s.resolver.Reconcile(ctx, u, changes)
	if err != nil {
		return err
	}
	if err := s.store.ApplyChanges(ctx, u.ID, cs); err != nil {
		return err
	}
	return s.resolver.Invalidate(ctx, u.ID)
}

// SetRolePermissions replaces a role's permission list and sweeps the cached
// set of every holder. Unregistered names reject the whole request.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, perms []string, secondary bool) error {
	var unknown []string
	for _, perm := range perms {
		if !permissions.IsValid(perm) {
			unknown = append(unknown, perm)
		}
	}
	if len(unknown) > 0 {
		return shared.ValidationGroups(map[string][]string{"recognized": unknown})
	}
	updates := map[string]any{"permissions": perms}
	pk := []record.PK{record.ScalarPK(roleID)}
	if secondary {
		if err := s.store.SecondaryRoles.BulkUpdate(ctx, pk, updates); err != nil {
			return err
		}
	} else {
		if err := s.store.Roles.BulkUpdate(ctx, pk, updates); err != nil {
			return err
		}
	}
	return s.resolver.InvalidateRole(ctx, roleID, secondary)
}

// AssignRole moves a user to a different primary role.
func (s *Service) AssignRole(ctx context.Context, u *User, roleID int64) error {
	err := s.store.Users.BulkUpdate(ctx, []record.PK{record.ScalarPK(u.ID)}, map[string]any{
		"role_id": roleID,
	})
	if err != nil {
		return err
	}
	u.ResetRelated()
	return s.resolver.Invalidate(ctx, u.ID)
}

// AssignSecondaryRole grants a user an additional role.
func (s *Service) AssignSecondaryRole(ctx context.Context, u *User, roleID int64) error {
	if err := s.store.AssignSecondaryRole(ctx, u.ID, roleID); err != nil {
		return err
	}
	u.ResetRelated()
	return s.resolver.Invalidate(ctx, u.ID)
}

// RemoveSecondaryRole takes an additional role away.
func (s *Service) RemoveSecondaryRole(ctx context.Context, u *User, roleID int64) error {
	if err := s.store.RemoveSecondaryRole(ctx, u.ID, roleID); err != nil {
		return err
	}
	u.ResetRelated()
	return s.resolver.Invalidate(ctx, u.ID)
}

// SetLocked locks or unlocks an account. Locked accounts resolve to the
// configured minimal permission set, so the cached full set is dropped.
func (s *Service) SetLocked(ctx context.Context, u *User, locked bool) error {
	err := s.store.Users.BulkUpdate(ctx, []record.PK{record.ScalarPK(u.ID)}, map[string]any{
		"locked": locked,
	})
	if err != nil {
		return err
	}
	u.Locked = locked
	return s.resolver.Invalidate(ctx, u.ID)
}
