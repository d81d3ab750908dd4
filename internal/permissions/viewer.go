package permissions

import (
	"context"
	"log/slog"
	"sync"
)

// ResolvedViewer implements authz.Viewer on top of the resolver. The
// permission set is computed lazily on first use per request scope and held
// behind a presence flag until Refresh is called.
type ResolvedViewer struct {
	resolver *Resolver
	subject  Subject
	// scope restricts an API-key-authenticated viewer to an allowlist; the
	// user's own permissions are still required.
	scope Set

	mu     sync.Mutex
	set    Set
	loaded bool
}

// NewViewer wraps a subject for permission checks.
func NewViewer(resolver *Resolver, sub Subject) *ResolvedViewer {
	return &ResolvedViewer{resolver: resolver, subject: sub}
}

// WithScope returns a viewer additionally restricted to the given
// permissions, as used for scoped API keys. An empty list means no
// restriction.
func (v *ResolvedViewer) WithScope(perms []string) *ResolvedViewer {
	scoped := &ResolvedViewer{resolver: v.resolver, subject: v.subject}
	if len(perms) > 0 {
		scoped.scope = NewSet(perms...)
	}
	return scoped
}

// UserID returns the acting user's id.
func (v *ResolvedViewer) UserID() (int64, bool) {
	if v.subject == nil {
		return 0, false
	}
	return v.subject.SubjectID(), true
}

// HasPermission reports whether the viewer holds the permission. An empty
// permission passes for any authenticated viewer. Scoped viewers must hold
// the permission in both their scope and their resolved set.
func (v *ResolvedViewer) HasPermission(ctx context.Context, permission string) bool {
	if v.subject == nil {
		return false
	}
	if permission == "" {
		return true
	}
	if v.scope != nil && !v.scope.Has(permission) {
		return false
	}
	set, err := v.load(ctx)
	if err != nil {
		v.resolver.log.Error("permissions: viewer resolve", slog.Any("error", err))
		return false
	}
	return set.Has(GodMode) || set.Has(permission)
}

// Refresh drops the memoized set so the next check resolves it again.
func (v *ResolvedViewer) Refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.set = nil
	v.loaded = false
}

func (v *ResolvedViewer) load(ctx context.Context) (Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded {
		return v.set, nil
	}
	set, err := v.resolver.Resolve(ctx, v.subject)
	if err != nil {
		return nil, err
	}
	v.set = set
	v.loaded = true
	return set, nil
}
