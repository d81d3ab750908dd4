// Package authz carries the request-scoped viewer identity and the
// per-record access gate shared by the record cache and the serializer.
package authz

import "context"

// Viewer is the identity a request acts as. Implementations resolve
// permissions lazily; see the permissions package.
type Viewer interface {
	// UserID returns the acting user's id. ok is false for anonymous viewers.
	UserID() (int64, bool)
	// HasPermission reports whether the viewer holds the permission. An empty
	// permission means "any authenticated viewer".
	HasPermission(ctx context.Context, permission string) bool
}

type viewerContextKey struct{}

// WithViewer stores the viewer in the context. Viewer state is threaded
// explicitly instead of living in process globals.
func WithViewer(ctx context.Context, v Viewer) context.Context {
	return context.WithValue(ctx, viewerContextKey{}, v)
}

// ViewerFrom extracts the viewer from the context, or nil when absent.
func ViewerFrom(ctx context.Context) Viewer {
	v, _ := ctx.Value(viewerContextKey{}).(Viewer)
	return v
}
