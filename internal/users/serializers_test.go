package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helix-api/helix/internal/authz"
	"github.com/helix-api/helix/internal/serialize"
)

type fakeViewer struct {
	id    int64
	anon  bool
	perms map[string]bool
}

func (v fakeViewer) UserID() (int64, bool) {
	if v.anon {
		return 0, false
	}
	return v.id, true
}

func (v fakeViewer) HasPermission(ctx context.Context, permission string) bool {
	if permission == "" {
		return !v.anon
	}
	return v.perms[permission]
}

func hydratedUser() *User {
	u := &User{ID: 1, Username: "alice", Email: "alice@example.com", Enabled: true, RoleID: 10, Invites: 2}
	u.related = userRelated{
		hydrated:       true,
		roleName:       "member",
		secondaryNames: []string{"mod"},
		inviter:        &User{ID: 2, Username: "bob"},
		apiKeys:        []*APIKey{{Hash: "abcdef1234", UserID: 1}},
	}
	return u
}

func TestUserSerializeStranger(t *testing.T) {
	ctx := authz.WithViewer(context.Background(), fakeViewer{id: 9})

	data, ok := hydratedUser().SerializeWith(ctx, false)
	require.True(t, ok)
	require.Equal(t, "alice", data["username"])
	require.Equal(t, "member", data["role"])
	require.Equal(t, []string{"mod"}, data["secondary_roles"])
	require.Nil(t, data["email"])
	require.Nil(t, data["locked"])
	require.Nil(t, data["inviter"])
	require.Nil(t, data["api_keys"])
}

func TestUserSerializeSelf(t *testing.T) {
	ctx := authz.WithViewer(context.Background(), fakeViewer{id: 1})

	data, ok := hydratedUser().SerializeWith(ctx, false)
	require.True(t, ok)
	require.Equal(t, "alice@example.com", data["email"])
	require.Equal(t, 2, data["invites"])
	// The inviter degrades to a bare id rather than recursing.
	require.Equal(t, int64(2), data["inviter"])
	keys, isList := data["api_keys"].([]any)
	require.True(t, isList)
	require.Len(t, keys, 1)
}

func TestUserSerializeModerator(t *testing.T) {
	ctx := authz.WithViewer(context.Background(), fakeViewer{
		id:    9,
		perms: map[string]bool{PermUsersModerate: true},
	})

	data, ok := hydratedUser().SerializeWith(ctx, false)
	require.True(t, ok)
	require.Equal(t, "alice@example.com", data["email"])
	require.Equal(t, int64(2), data["inviter"])
	// Advanced moderation is a separate grant.
	require.Nil(t, data["api_keys"])
}

func TestUserSerializeNestedDropsModerationFields(t *testing.T) {
	ctx := authz.WithViewer(context.Background(), fakeViewer{
		id:    9,
		perms: map[string]bool{PermUsersModerate: true, PermUsersModerateAdvanced: true},
	})

	data, ok := hydratedUser().SerializeWith(ctx, true)
	require.True(t, ok)
	require.Equal(t, "alice", data["username"])
	require.Nil(t, data["inviter"])
	require.Nil(t, data["api_keys"])
}

func TestInviteSerializeOwnerVsStranger(t *testing.T) {
	inv := &Invite{Code: "abc", InviterID: 1, Email: "friend@example.com", FromIP: "10.0.0.1"}

	owner := authz.WithViewer(context.Background(), fakeViewer{id: 1})
	data, ok := inv.SerializeWith(owner, false)
	require.True(t, ok)
	require.Equal(t, "abc", data["code"])
	// The sending address is moderation-only even for the owner.
	require.Nil(t, data["from_ip"])

	stranger := authz.WithViewer(context.Background(), fakeViewer{id: 9})
	data, ok = inv.SerializeWith(stranger, false)
	require.False(t, ok)
	require.Nil(t, data)
}

func TestAPIKeySerializeModeratorSeesProvenance(t *testing.T) {
	key := &APIKey{Hash: "abcdef1234", UserID: 1, IP: "10.0.0.1", UserAgent: "curl/8"}
	ctx := authz.WithViewer(context.Background(), fakeViewer{
		id:    9,
		perms: map[string]bool{PermAPIKeysViewOthers: true, PermUsersModerate: true},
	})

	data, ok := key.SerializeWith(ctx, false)
	require.True(t, ok)
	require.Equal(t, "abcdef1234", data["hash"])
	require.Equal(t, "10.0.0.1", data["ip"])
	require.Equal(t, "curl/8", data["user_agent"])
}

func TestSerializeListDropsInvisible(t *testing.T) {
	invites := []*Invite{
		{Code: "mine", InviterID: 1},
		{Code: "theirs", InviterID: 9},
	}
	ctx := authz.WithViewer(context.Background(), fakeViewer{id: 1})

	out := serialize.List(ctx, invites, false)
	require.Len(t, out, 1)
	require.Equal(t, "mine", out[0]["code"])
}
