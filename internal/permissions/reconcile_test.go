package permissions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helix-api/helix/internal/shared"
)

func reconcileFixture(t *testing.T) (*Resolver, *stubSource, Subject) {
	t.Helper()
	source := &stubSource{
		rolePerms:      map[int64][]string{10: {"test.alpha"}},
		secondaryPerms: map[int64][]string{1: {"test.beta"}},
		overrides:      map[int64]map[string]bool{1: {}},
	}
	resolver, _ := newTestResolver(t, source, nil, nil)
	return resolver, source, stubSubject{id: 1, roleID: 10}
}

func TestReconcileGrantNewPermission(t *testing.T) {
	resolver, _, sub := reconcileFixture(t)

	cs, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"test.gamma": true})
	require.NoError(t, err)
	require.Equal(t, []string{"test.gamma"}, cs.Add.Sorted())
	require.Empty(t, cs.Delete.Sorted())
	require.Empty(t, cs.Ungrant.Sorted())
}

func TestReconcileGrantSuppressedPermission(t *testing.T) {
	resolver, source, sub := reconcileFixture(t)
	source.overrides[1]["test.alpha"] = false

	cs, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"test.alpha": true})
	require.NoError(t, err)
	require.Equal(t, []string{"test.alpha"}, cs.Delete.Sorted())
	require.Equal(t, []string{"test.alpha"}, cs.Add.Sorted())
}

func TestReconcileGrantAlreadyHeldFails(t *testing.T) {
	resolver, _, sub := reconcileFixture(t)

	// Held through the secondary role, so granting again is meaningless.
	_, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"test.beta": true})
	require.Error(t, err)
	require.True(t, errors.Is(err, shared.ErrValidation))
	require.Contains(t, err.Error(), "added")
	require.Contains(t, err.Error(), "test.beta")
}

func TestReconcileGrantUnknownPermissionFails(t *testing.T) {
	resolver, _, sub := reconcileFixture(t)

	_, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"test.bogus": true})
	require.Error(t, err)
	require.True(t, errors.Is(err, shared.ErrValidation))
	require.Contains(t, err.Error(), "recognized")
	require.Contains(t, err.Error(), "test.bogus")
}

func TestReconcileRevokeOverrideGrant(t *testing.T) {
	resolver, source, sub := reconcileFixture(t)
	source.overrides[1]["test.gamma"] = true

	cs, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"test.gamma": false})
	require.NoError(t, err)
	require.Equal(t, []string{"test.gamma"}, cs.Delete.Sorted())
	require.Empty(t, cs.Ungrant.Sorted())
}

func TestReconcileRevokeRoleDerived(t *testing.T) {
	resolver, _, sub := reconcileFixture(t)

	cs, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"test.alpha": false})
	require.NoError(t, err)
	require.Equal(t, []string{"test.alpha"}, cs.Ungrant.Sorted())
	require.Empty(t, cs.Delete.Sorted())
}

func TestReconcileRevokeNotHeldFails(t *testing.T) {
	resolver, _, sub := reconcileFixture(t)

	_, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"test.gamma": false})
	require.Error(t, err)
	require.Contains(t, err.Error(), "deleted")
	require.Contains(t, err.Error(), "test.gamma")
}

func TestReconcileRevokeStaleOverrideAllowed(t *testing.T) {
	resolver, source, sub := reconcileFixture(t)
	// An override can outlive its permission's registration.
	source.overrides[1]["legacy.permission"] = true

	cs, err := resolver.Reconcile(context.Background(), sub, map[string]bool{"legacy.permission": false})
	require.NoError(t, err)
	require.Equal(t, []string{"legacy.permission"}, cs.Delete.Sorted())
}

func TestReconcileRejectsWholeRequestOnAnyFailure(t *testing.T) {
	resolver, _, sub := reconcileFixture(t)

	cs, err := resolver.Reconcile(context.Background(), sub, map[string]bool{
		"test.gamma": true, // satisfiable
		"test.bogus": true, // unregistered
	})
	require.Error(t, err)
	require.Empty(t, cs.Add)
}

func TestRegistryRejectsGodMode(t *testing.T) {
	require.Panics(t, func() { Register(GodMode) })
}

func TestSetJSONRoundTrip(t *testing.T) {
	set := NewSet("b.two", "a.one")
	payload, err := set.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `["a.one","b.two"]`, string(payload))

	var decoded Set
	require.NoError(t, decoded.UnmarshalJSON(payload))
	require.True(t, decoded.Has("a.one"))
	require.True(t, decoded.Has("b.two"))
}
