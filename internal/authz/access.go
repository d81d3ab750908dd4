package authz

import (
	"context"

	"github.com/helix-api/helix/internal/shared"
)

// Ownable is implemented by records that can belong to a viewer. The default
// for user-scoped records compares a user id column; association records with
// composite keys report true unconditionally because access to them is gated
// further up the call chain.
type Ownable interface {
	BelongsTo(v Viewer) bool
}

// CanAccess reports whether the viewer from the context may see the record.
// Access is granted when no permission is required, when the record belongs
// to the viewer, or when the viewer holds the permission.
func CanAccess(ctx context.Context, rec Ownable, permission string) bool {
	if permission == "" {
		return true
	}
	v := ViewerFrom(ctx)
	if v == nil {
		return false
	}
	if rec != nil && rec.BelongsTo(v) {
		return true
	}
	return v.HasPermission(ctx, permission)
}

// RequireAccess is the error-mode variant of CanAccess, used at single-record
// fetch boundaries. With masquerade a failure reports not-found instead of
// forbidden.
func RequireAccess(ctx context.Context, rec Ownable, permission string, masquerade bool) error {
	if CanAccess(ctx, rec, permission) {
		return nil
	}
	if ViewerFrom(ctx) == nil {
		return shared.Unauthenticated()
	}
	return shared.Forbidden(masquerade)
}
