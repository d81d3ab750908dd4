package users

import (
	"context"

	"github.com/helix-api/helix/internal/authz"
	"github.com/helix-api/helix/internal/serialize"
)

func ownsUser(u *User, v authz.Viewer) bool {
	id, ok := v.UserID()
	return ok && id == u.ID
}

var userSchema = serialize.Schema[*User]{
	Owns: ownsUser,
	Fields: []serialize.Field[*User]{
		{Name: "id", Value: func(u *User) any { return u.ID }},
		{Name: "username", Value: func(u *User) any { return u.Username }},
		{Name: "enabled", Value: func(u *User) any { return u.Enabled }},
		{Name: "role", Value: func(u *User) any { return u.related.roleName }},
		{Name: "secondary_roles", Value: func(u *User) any { return u.related.secondaryNames }},
		{Name: "uploaded", Value: func(u *User) any { return u.Uploaded }},
		{Name: "downloaded", Value: func(u *User) any { return u.Downloaded }},
		{
			Name: "email",
			Attr: serialize.Attribute{Permission: PermUsersModerate, SelfAccess: true},
			Value: func(u *User) any { return u.Email },
		},
		{
			Name: "locked",
			Attr: serialize.Attribute{Permission: PermUsersModerate, SelfAccess: true},
			Value: func(u *User) any { return u.Locked },
		},
		{
			Name: "invites",
			Attr: serialize.Attribute{Permission: PermUsersModerate, SelfAccess: true},
			Value: func(u *User) any { return u.Invites },
		},
		{
			Name: "inviter",
			Attr: serialize.Attribute{Permission: PermUsersModerate, SelfAccess: true, OmitNested: true},
			Value: func(u *User) any {
				if u.related.inviter == nil {
					return nil
				}
				return u.related.inviter
			},
		},
		{
			Name: "api_keys",
			Attr: serialize.Attribute{Permission: PermUsersModerateAdvanced, SelfAccess: true, OmitNested: true},
			Value: func(u *User) any { return serialize.Items(u.related.apiKeys) },
		},
	},
}

// SerializeWith renders the user for the viewer in context. Hydrate first
// when the related fields should carry values.
func (u *User) SerializeWith(ctx context.Context, nested bool) (map[string]any, bool) {
	return userSchema.Serialize(ctx, u, nested)
}

var inviteSchema = serialize.Schema[*Invite]{
	Owns: func(i *Invite, v authz.Viewer) bool { return i.BelongsTo(v) },
	Fields: []serialize.Field[*Invite]{
		{
			Name: "code",
			Attr: serialize.Attribute{Permission: PermInvitesViewOthers, SelfAccess: true},
			Value: func(i *Invite) any { return i.Code },
		},
		{
			Name: "email",
			Attr: serialize.Attribute{Permission: PermInvitesViewOthers, SelfAccess: true},
			Value: func(i *Invite) any { return i.Email },
		},
		{
			Name: "time_sent",
			Attr: serialize.Attribute{Permission: PermInvitesViewOthers, SelfAccess: true},
			Value: func(i *Invite) any { return i.TimeSent },
		},
		{
			Name: "expired",
			Attr: serialize.Attribute{Permission: PermInvitesViewOthers, SelfAccess: true},
			Value: func(i *Invite) any { return i.Expired },
		},
		{
			Name: "invitee_id",
			Attr: serialize.Attribute{Permission: PermInvitesViewOthers, SelfAccess: true},
			Value: func(i *Invite) any { return i.InviteeID },
		},
		{
			Name: "from_ip",
			Attr: serialize.Attribute{Permission: PermUsersModerate},
			Value: func(i *Invite) any { return i.FromIP },
		},
	},
}

func (i *Invite) SerializeWith(ctx context.Context, nested bool) (map[string]any, bool) {
	return inviteSchema.Serialize(ctx, i, nested)
}

var apiKeySchema = serialize.Schema[*APIKey]{
	Owns: func(k *APIKey, v authz.Viewer) bool { return k.BelongsTo(v) },
	Fields: []serialize.Field[*APIKey]{
		{
			Name: "hash",
			Attr: serialize.Attribute{Permission: PermAPIKeysViewOthers, SelfAccess: true},
			Value: func(k *APIKey) any { return k.Hash },
		},
		{
			Name: "last_used",
			Attr: serialize.Attribute{Permission: PermAPIKeysViewOthers, SelfAccess: true},
			Value: func(k *APIKey) any { return k.LastUsed },
		},
		{
			Name: "revoked",
			Attr: serialize.Attribute{Permission: PermAPIKeysViewOthers, SelfAccess: true},
			Value: func(k *APIKey) any { return k.Revoked },
		},
		{
			Name: "permissions",
			Attr: serialize.Attribute{Permission: PermAPIKeysViewOthers, SelfAccess: true},
			Value: func(k *APIKey) any { return k.Permissions },
		},
		{
			Name: "ip",
			Attr: serialize.Attribute{Permission: PermUsersModerate},
			Value: func(k *APIKey) any { return k.IP },
		},
		{
			Name: "user_agent",
			Attr: serialize.Attribute{Permission: PermUsersModerate},
			Value: func(k *APIKey) any { return k.UserAgent },
		},
	},
}

func (k *APIKey) SerializeWith(ctx context.Context, nested bool) (map[string]any, bool) {
	return apiKeySchema.Serialize(ctx, k, nested)
}
