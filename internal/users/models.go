// Package users holds the account domain: users, roles, secondary role
// memberships, per-user permission overrides, API keys and invites. It feeds
// the permission resolver and the serializer layer.
package users

import (
	"time"

	"github.com/helix-api/helix/internal/authz"
	"github.com/helix-api/helix/internal/permissions"
	"github.com/helix-api/helix/internal/record"
)

// Permission names owned by this package.
const (
	PermUsersModerate         = "users.moderate"
	PermUsersModerateAdvanced = "users.moderate_advanced"
	PermUsersChangePassword   = "users.change_password"
	PermInvitesSend           = "invites.send"
	PermInvitesViewOthers     = "invites.view_others"
	PermAPIKeysViewOthers     = "api_keys.view_others"
	PermRolesList             = "roles.list"
	PermRolesModify           = "roles.modify"
)

func init() {
	permissions.Register(
		PermUsersModerate,
		PermUsersModerateAdvanced,
		PermUsersChangePassword,
		PermInvitesSend,
		PermInvitesViewOthers,
		PermAPIKeysViewOthers,
		PermRolesList,
		PermRolesModify,
	)
}

// User is an account row. The exported column fields round-trip through the
// cache; the unexported related-record fields are computed on demand by
// Store.Hydrate and never cached.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Passhash   string `json:"passhash"`
	Email      string `json:"email"`
	Enabled    bool   `json:"enabled"`
	Locked     bool   `json:"locked"`
	RoleID     int64  `json:"role_id"`
	InviterID  *int64 `json:"inviter_id"`
	Invites    int    `json:"invites"`
	Uploaded   int64  `json:"uploaded"`
	Downloaded int64  `json:"downloaded"`

	related userRelated
}

// userRelated holds lazily-computed related records, guarded by a presence
// flag so Hydrate runs the queries at most once per struct value.
type userRelated struct {
	hydrated       bool
	roleName       string
	secondaryNames []string
	inviter        *User
	apiKeys        []*APIKey
}

// Hydrated reports whether related records have been computed.
func (u *User) Hydrated() bool { return u.related.hydrated }

// ResetRelated drops computed related records so the next Hydrate refetches
// them. Mutation paths that change role assignment or key material call this.
func (u *User) ResetRelated() { u.related = userRelated{} }

// Identity degrades the user to its identifier in non-recursive contexts.
func (u *User) Identity() any { return u.ID }

// BelongsTo reports record ownership for access checks.
func (u *User) BelongsTo(v authz.Viewer) bool {
	id, ok := v.UserID()
	return ok && id == u.ID
}

// SubjectID, PrimaryRoleID and IsLocked make User a permission subject.
func (u *User) SubjectID() int64     { return u.ID }
func (u *User) PrimaryRoleID() int64 { return u.RoleID }
func (u *User) IsLocked() bool       { return u.Locked }

// Role is a primary role row. Its permission list seeds every holder's
// effective set.
type Role struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Forum       bool     `json:"forum_permissions"`
}

func (r *Role) Identity() any { return r.ID }

// SecondaryRole is an additive role row; holders gain the union of all their
// secondary role permission lists on top of the primary role's.
type SecondaryRole struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (r *SecondaryRole) Identity() any { return r.ID }

// Override is a per-user permission override row. Its composite key is
// (user_id, permission); granted false removes a role-derived permission,
// granted true adds one the roles do not confer.
type Override struct {
	UserID     int64  `json:"user_id"`
	Permission string `json:"permission"`
	Granted    bool   `json:"granted"`
}

// APIKey is a bearer credential row. The stored keyhash is a bcrypt digest of
// the secret half; the raw secret is only ever returned at creation.
type APIKey struct {
	Hash        string    `json:"hash"`
	UserID      int64     `json:"user_id"`
	Keyhash     string    `json:"keyhash"`
	LastUsed    time.Time `json:"last_used"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	Revoked     bool      `json:"revoked"`
	Permissions []string  `json:"permissions"`
}

func (k *APIKey) Identity() any { return k.Hash }

func (k *APIKey) BelongsTo(v authz.Viewer) bool {
	id, ok := v.UserID()
	return ok && id == k.UserID
}

// Invite is an invitation row keyed by its random code. Used invites keep
// their row with invitee_id set; expiry is a liveness flag, not a deletion.
type Invite struct {
	Code      string    `json:"code"`
	InviterID int64     `json:"inviter_id"`
	InviteeID *int64    `json:"invitee_id"`
	Email     string    `json:"email"`
	TimeSent  time.Time `json:"time_sent"`
	FromIP    string    `json:"from_ip"`
	Expired   bool      `json:"expired"`
}

func (i *Invite) Identity() any { return i.Code }

func (i *Invite) BelongsTo(v authz.Viewer) bool {
	id, ok := v.UserID()
	return ok && id == i.InviterID
}

var userDescriptor = record.Descriptor{
	Table:      "users",
	Columns:    []string{"id", "username", "passhash", "email", "enabled", "locked", "role_id", "inviter_id", "invites", "uploaded", "downloaded"},
	PrimaryKey: []string{"id"},
	CacheKey:   "users_{id}",
}

var roleDescriptor = record.Descriptor{
	Table:       "roles",
	Columns:     []string{"id", "name", "permissions", "forum_permissions"},
	PrimaryKey:  []string{"id"},
	CacheKey:    "roles_{id}",
	CacheKeyAll: "roles",
}

var secondaryRoleDescriptor = record.Descriptor{
	Table:       "secondary_roles",
	Columns:     []string{"id", "name", "permissions"},
	PrimaryKey:  []string{"id"},
	CacheKey:    "secondary_roles_{id}",
	CacheKeyAll: "secondary_roles",
}

var overrideDescriptor = record.Descriptor{
	Table:      "users_permissions",
	Columns:    []string{"user_id", "permission", "granted"},
	PrimaryKey: []string{"user_id", "permission"},
	CacheKey:   "users_permissions_{user_id}_{permission}",
}

var apiKeyDescriptor = record.Descriptor{
	Table:      "api_keys",
	Columns:    []string{"hash", "user_id", "keyhash", "last_used", "ip", "user_agent", "revoked", "permissions"},
	PrimaryKey: []string{"hash"},
	CacheKey:   "api_keys_{hash}",
	Liveness:   "revoked",
}

var inviteDescriptor = record.Descriptor{
	Table:      "invites",
	Columns:    []string{"code", "inviter_id", "invitee_id", "email", "time_sent", "from_ip", "expired"},
	PrimaryKey: []string{"code"},
	CacheKey:   "invites_{code}",
	Liveness:   "expired",
}

func scanUser(scan record.Scan) (*User, error) {
	var u User
	err := scan(&u.ID, &u.Username, &u.Passhash, &u.Email, &u.Enabled, &u.Locked,
		&u.RoleID, &u.InviterID, &u.Invites, &u.Uploaded, &u.Downloaded)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanRole(scan record.Scan) (*Role, error) {
	var r Role
	if err := scan(&r.ID, &r.Name, &r.Permissions, &r.Forum); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanSecondaryRole(scan record.Scan) (*SecondaryRole, error) {
	var r SecondaryRole
	if err := scan(&r.ID, &r.Name, &r.Permissions); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanOverride(scan record.Scan) (*Override, error) {
	var o Override
	if err := scan(&o.UserID, &o.Permission, &o.Granted); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanAPIKey(scan record.Scan) (*APIKey, error) {
	var k APIKey
	err := scan(&k.Hash, &k.UserID, &k.Keyhash, &k.LastUsed, &k.IP,
		&k.UserAgent, &k.Revoked, &k.Permissions)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func scanInvite(scan record.Scan) (*Invite, error) {
	var i Invite
	err := scan(&i.Code, &i.InviterID, &i.InviteeID, &i.Email, &i.TimeSent,
		&i.FromIP, &i.Expired)
	if err != nil {
		return nil, err
	}
	return &i, nil
}
