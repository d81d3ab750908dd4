package users

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/helix-api/helix/internal/authz"
	"github.com/helix-api/helix/internal/permissions"
	"github.com/helix-api/helix/internal/platform/cache"
	"github.com/helix-api/helix/internal/platform/db"
	"github.com/helix-api/helix/internal/record"
	"github.com/helix-api/helix/internal/shared"
)

// membershipTable joins users to their secondary roles.
const membershipTable = "users_secondary_roles"

// Store aggregates the cached repositories of the account domain and the
// queries that cross them.
type Store struct {
	Users          *record.Repo[*User]
	Roles          *record.Repo[*Role]
	SecondaryRoles *record.Repo[*SecondaryRole]
	Overrides      *record.Repo[*Override]
	APIKeys        *record.Repo[*APIKey]
	Invites        *record.Repo[*Invite]

	db       db.Querier
	kv       *cache.Store
	log      *slog.Logger
	validate *validator.Validate
}

// NewStore wires the repositories. Access hooks gate the listing paths that
// expose other users' records behind the matching view_others permission.
func NewStore(q db.Querier, kv *cache.Store, logger *slog.Logger, ttl time.Duration) *Store {
	s := &Store{
		db:       q,
		kv:       kv,
		log:      logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.Users = record.New(record.Config[*User]{
		Descriptor: userDescriptor,
		DB:         q, Cache: kv, Logger: logger, TTL: ttl,
		ScanRow: scanUser,
		PKOf:    func(u *User) record.PK { return record.ScalarPK(u.ID) },
	})
	s.Roles = record.New(record.Config[*Role]{
		Descriptor: roleDescriptor,
		DB:         q, Cache: kv, Logger: logger, TTL: ttl,
		ScanRow: scanRole,
		PKOf:    func(r *Role) record.PK { return record.ScalarPK(r.ID) },
	})
	s.SecondaryRoles = record.New(record.Config[*SecondaryRole]{
		Descriptor: secondaryRoleDescriptor,
		DB:         q, Cache: kv, Logger: logger, TTL: ttl,
		ScanRow: scanSecondaryRole,
		PKOf:    func(r *SecondaryRole) record.PK { return record.ScalarPK(r.ID) },
	})
	s.Overrides = record.New(record.Config[*Override]{
		Descriptor: overrideDescriptor,
		DB:         q, Cache: kv, Logger: logger, TTL: ttl,
		ScanRow: scanOverride,
		PKOf:    func(o *Override) record.PK { return record.PK{o.UserID, o.Permission} },
	})
	s.APIKeys = record.New(record.Config[*APIKey]{
		Descriptor: apiKeyDescriptor,
		DB:         q, Cache: kv, Logger: logger, TTL: ttl,
		ScanRow: scanAPIKey,
		PKOf:    func(k *APIKey) record.PK { return record.ScalarPK(k.Hash) },
		Dead:    func(k *APIKey) bool { return k.Revoked },
		Access: func(ctx context.Context, k *APIKey) bool {
			return authz.CanAccess(ctx, k, PermAPIKeysViewOthers)
		},
	})
	s.Invites = record.New(record.Config[*Invite]{
		Descriptor: inviteDescriptor,
		DB:         q, Cache: kv, Logger: logger, TTL: ttl,
		ScanRow: scanInvite,
		PKOf:    func(i *Invite) record.PK { return record.ScalarPK(i.Code) },
		Dead:    func(i *Invite) bool { return i.Expired },
		Access: func(ctx context.Context, i *Invite) bool {
			return authz.CanAccess(ctx, i, PermInvitesViewOthers)
		},
	})
	return s
}

func usernameKey(username string) string {
	return "users_username_" + strings.ToLower(username)
}

func secondaryRolesKey(userID int64) string {
	return fmt.Sprintf("secondary_roles_users_%d", userID)
}

func apiKeysKey(userID int64) string {
	return fmt.Sprintf("api_keys_users_%d", userID)
}

func invitesKey(userID int64) string {
	return fmt.Sprintf("invites_users_%d", userID)
}

func inviteCountKey(userID int64) string {
	return fmt.Sprintf("invites_users_%d_count", userID)
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, bool, error) {
	return s.Users.GetByPK(ctx, record.ScalarPK(id), record.GetOpts{})
}

// ByUsername resolves a user through the username-to-ID cache key, falling
// back to a case-insensitive lookup on miss.
func (s *Store) ByUsername(ctx context.Context, username string) (*User, bool, error) {
	key := usernameKey(username)
	var id int64
	ok, err := s.kv.GetJSON(ctx, key, &id)
	if err != nil {
		s.log.Warn("users: username cache read", slog.String("key", key), slog.Any("error", err))
	}
	if !ok {
		pks, err := s.Users.IDList(ctx, record.IDQuery{
			Filter: record.NewExpr("lower(username) = lower(?)", username),
		})
		if err != nil {
			return nil, false, err
		}
		if len(pks) == 0 {
			return nil, false, nil
		}
		id, err = toInt64(pks[0][0])
		if err != nil {
			return nil, false, err
		}
		if err := s.kv.Set(ctx, key, id, 0); err != nil {
			s.log.Warn("users: username cache write", slog.String("key", key), slog.Any("error", err))
		}
	}
	return s.GetUser(ctx, id)
}

// NewUser creates an account. The username must be unused and the e-mail
// address well-formed; the password is stored as a bcrypt hash.
func (s *Store) NewUser(ctx context.Context, username, password, email string, inviterID *int64) (*User, error) {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, shared.Validationf("%q is not a valid e-mail address.", email)
	}
	if existing, found, err := s.ByUsername(ctx, username); err != nil {
		return nil, err
	} else if found && existing != nil {
		return nil, shared.Validationf("Another user already has the username %s.", username)
	}
	passhash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.Users.Create(ctx, map[string]any{
		"username":   username,
		"passhash":   string(passhash),
		"email":      strings.ToLower(strings.TrimSpace(email)),
		"enabled":    false,
		"locked":     false,
		"role_id":    int64(1),
		"inviter_id": inviterID,
		"invites":    0,
		"uploaded":   int64(0),
		"downloaded": int64(0),
	})
}

// CheckPassword verifies a login attempt against the stored hash.
func (s *Store) CheckPassword(u *User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.Passhash), []byte(password)) == nil
}

// SecondaryRolesOf lists a user's secondary roles. Membership lives in an
// association table, so the ID list comes from a raw join query cached under
// a per-user key.
func (s *Store) SecondaryRolesOf(ctx context.Context, userID int64) ([]*SecondaryRole, error) {
	raw := record.NewExpr("SELECT role_id FROM "+membershipTable+" WHERE user_id = ?", userID)
	return s.SecondaryRoles.GetMany(ctx, record.ListQuery[*SecondaryRole]{
		Key: secondaryRolesKey(userID),
		Raw: &raw,
	})
}

// AssignSecondaryRole adds a membership row and drops the user's cached
// membership list.
func (s *Store) AssignSecondaryRole(ctx context.Context, userID, roleID int64) error {
	sql := "INSERT INTO " + membershipTable + " (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING"
	if err := s.db.Exec(ctx, sql, userID, roleID); err != nil {
		return err
	}
	_, err := s.kv.Delete(ctx, secondaryRolesKey(userID))
	return err
}

// RemoveSecondaryRole deletes a membership row and drops the user's cached
// membership list.
func (s *Store) RemoveSecondaryRole(ctx context.Context, userID, roleID int64) error {
	sql := "DELETE FROM " + membershipTable + " WHERE user_id = $1 AND role_id = $2"
	if err := s.db.Exec(ctx, sql, userID, roleID); err != nil {
		return err
	}
	_, err := s.kv.Delete(ctx, secondaryRolesKey(userID))
	return err
}

// AllRoles lists every primary role.
func (s *Store) AllRoles(ctx context.Context) ([]*Role, error) {
	return s.Roles.GetMany(ctx, record.ListQuery[*Role]{
		Key:   roleDescriptor.CacheKeyAll,
		Order: "id ASC",
	})
}

// AllSecondaryRoles lists every secondary role.
func (s *Store) AllSecondaryRoles(ctx context.Context) ([]*SecondaryRole, error) {
	return s.SecondaryRoles.GetMany(ctx, record.ListQuery[*SecondaryRole]{
		Key:   secondaryRoleDescriptor.CacheKeyAll,
		Order: "id ASC",
	})
}

// OverridesOf returns the user's permission overrides as a name-to-granted
// map. Overrides feed the resolver's cached set, so the rows themselves are
// read fresh.
func (s *Store) OverridesOf(ctx context.Context, userID int64) (map[string]bool, error) {
	rows, err := s.Overrides.GetMany(ctx, record.ListQuery[*Override]{
		Filter: record.NewExpr("user_id = ?", userID),
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.Permission] = row.Granted
	}
	return out, nil
}

// ApplyChanges writes a reconciled override change set: stale rows deleted,
// additions inserted as granted, ungrants inserted as revocations.
func (s *Store) ApplyChanges(ctx context.Context, userID int64, changes permissions.ChangeSet) error {
	for _, perm := range changes.Delete.Sorted() {
		sql := "DELETE FROM " + overrideDescriptor.Table + " WHERE user_id = $1 AND permission = $2"
		if err := s.db.Exec(ctx, sql, userID, perm); err != nil {
			return err
		}
		if err := s.Overrides.Invalidate(ctx, record.PK{userID, perm}); err != nil {
			return err
		}
	}
	for _, perm := range changes.Add.Sorted() {
		if _, err := s.Overrides.Create(ctx, map[string]any{
			"user_id": userID, "permission": perm, "granted": true,
		}); err != nil {
			return err
		}
	}
	for _, perm := range changes.Ungrant.Sorted() {
		if _, err := s.Overrides.Create(ctx, map[string]any{
			"user_id": userID, "permission": perm, "granted": false,
		}); err != nil {
			return err
		}
	}
	return nil
}

// NewInvite issues an invite code to an e-mail address, spending one of the
// inviter's invites. The per-user invite list and count caches are dropped so
// the new row becomes visible.
func (s *Store) NewInvite(ctx context.Context, inviter *User, email, fromIP string) (*Invite, error) {
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, shared.Validationf("%q is not a valid e-mail address.", email)
	}
	if inviter.Invites <= 0 {
		return nil, shared.Validationf("You do not have an invite to send.")
	}
	code := strings.ReplaceAll(uuid.New().String(), "-", "")
	inv, err := s.Invites.Create(ctx, map[string]any{
		"code":       code,
		"inviter_id": inviter.ID,
		"invitee_id": nil,
		"email":      strings.ToLower(strings.TrimSpace(email)),
		"time_sent":  time.Now().UTC(),
		"from_ip":    fromIP,
		"expired":    false,
	})
	if err != nil {
		return nil, err
	}
	err = s.Users.BulkUpdate(ctx, []record.PK{record.ScalarPK(inviter.ID)}, map[string]any{
		"invites": inviter.Invites - 1,
	})
	if err != nil {
		return nil, err
	}
	keys := []string{invitesKey(inviter.ID), record.InclDeadKey(invitesKey(inviter.ID)), inviteCountKey(inviter.ID)}
	if err := s.kv.DeleteMany(ctx, keys); err != nil {
		s.log.Warn("users: invite list invalidation", slog.Any("error", err))
	}
	return inv, nil
}

// InvitesOf lists a user's sent invites, newest first. includeDead keeps
// expired invites in the result.
func (s *Store) InvitesOf(ctx context.Context, userID int64, includeDead bool) ([]*Invite, error) {
	return s.Invites.GetMany(ctx, record.ListQuery[*Invite]{
		Key:         invitesKey(userID),
		Filter:      record.NewExpr("inviter_id = ?", userID),
		Order:       "time_sent DESC",
		IncludeDead: includeDead,
	})
}

// InvitePage returns one pinned page of a user's sent invites together with
// pagination metadata. Pinned pages are returned as sliced, so numbering
// stays stable even when expiry filtering under-fills a page.
func (s *Store) InvitePage(ctx context.Context, userID int64, page, perPage int) ([]*Invite, shared.Pagination, error) {
	total, err := s.InviteCount(ctx, userID)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	meta := shared.NewPagination(page, perPage, total)
	invites, err := s.Invites.GetMany(ctx, record.ListQuery[*Invite]{
		Key:         invitesKey(userID),
		Filter:      record.NewExpr("inviter_id = ?", userID),
		Order:       "time_sent DESC",
		IncludeDead: true,
		Page:        meta.Page,
		Limit:       meta.PerPage,
	})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return invites, meta, nil
}

// InviteCount returns the cached number of invites a user has sent.
func (s *Store) InviteCount(ctx context.Context, userID int64) (int, error) {
	return s.Invites.Count(ctx, record.CountQuery{
		Key:    inviteCountKey(userID),
		Column: "code",
		Filter: record.NewExpr("inviter_id = ?", userID),
	})
}

// ExpireStaleInvites marks every unclaimed invite sent before the cutoff as
// expired and drops the affected inviters' list and count caches. Returns the
// number of invites expired.
func (s *Store) ExpireStaleInvites(ctx context.Context, cutoff time.Time) (int, error) {
	sql := "SELECT code, inviter_id FROM " + inviteDescriptor.Table +
		" WHERE NOT expired AND invitee_id IS NULL AND time_sent < $1"
	rows, err := s.db.Query(ctx, sql, cutoff)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var pks []record.PK
	inviters := make(map[int64]struct{})
	for rows.Next() {
		var code string
		var inviterID int64
		if err := rows.Scan(&code, &inviterID); err != nil {
			return 0, err
		}
		pks = append(pks, record.ScalarPK(code))
		inviters[inviterID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(pks) == 0 {
		return 0, nil
	}
	if err := s.Invites.BulkUpdate(ctx, pks, map[string]any{"expired": true}); err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(inviters)*3)
	for id := range inviters {
		keys = append(keys, invitesKey(id), record.InclDeadKey(invitesKey(id)), inviteCountKey(id))
	}
	if err := s.kv.DeleteMany(ctx, keys); err != nil {
		s.log.Warn("users: invite sweep invalidation", slog.Any("error", err))
	}
	return len(pks), nil
}

// ExpireInvite flips an invite's liveness flag without deleting the row.
func (s *Store) ExpireInvite(ctx context.Context, code string) error {
	err := s.Invites.BulkUpdate(ctx, []record.PK{record.ScalarPK(code)}, map[string]any{
		"expired": true,
	})
	return err
}

// NewAPIKey mints a bearer credential. The returned raw key is the public
// hash concatenated with the secret; only its bcrypt digest is stored.
func (s *Store) NewAPIKey(ctx context.Context, userID int64, ip, userAgent string, perms []string) (*APIKey, string, error) {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	hash, secret := raw[:10], raw[10:]
	keyhash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	if perms == nil {
		perms = []string{}
	}
	key, err := s.APIKeys.Create(ctx, map[string]any{
		"hash":        hash,
		"user_id":     userID,
		"keyhash":     string(keyhash),
		"last_used":   time.Now().UTC(),
		"ip":          ip,
		"user_agent":  userAgent,
		"revoked":     false,
		"permissions": perms,
	})
	if err != nil {
		return nil, "", err
	}
	if err := s.kv.DeleteMany(ctx, []string{apiKeysKey(userID), record.InclDeadKey(apiKeysKey(userID))}); err != nil {
		s.log.Warn("users: api key list invalidation", slog.Any("error", err))
	}
	return key, hash + secret, nil
}

// CheckAPIKey verifies the secret half of a presented key.
func (s *Store) CheckAPIKey(k *APIKey, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(k.Keyhash), []byte(secret)) == nil
}

// APIKeysOf lists a user's keys. includeDead keeps revoked keys visible,
// which the moderation views use.
func (s *Store) APIKeysOf(ctx context.Context, userID int64, includeDead bool) ([]*APIKey, error) {
	return s.APIKeys.GetMany(ctx, record.ListQuery[*APIKey]{
		Key:         apiKeysKey(userID),
		Filter:      record.NewExpr("user_id = ?", userID),
		Order:       "last_used DESC",
		IncludeDead: includeDead,
	})
}

// RevokeAPIKeys revokes every live key of a user in one statement. BulkUpdate
// only touches per-record keys, so the user's list cache is dropped here.
func (s *Store) RevokeAPIKeys(ctx context.Context, userID int64) error {
	pks, err := s.APIKeys.IDList(ctx, record.IDQuery{
		Filter: record.NewExpr("user_id = ?", userID),
	})
	if err != nil {
		return err
	}
	if len(pks) > 0 {
		if err := s.APIKeys.BulkUpdate(ctx, pks, map[string]any{"revoked": true}); err != nil {
			return err
		}
	}
	return s.kv.DeleteMany(ctx, []string{apiKeysKey(userID), record.InclDeadKey(apiKeysKey(userID))})
}

// Hydrate computes a user's related records once: primary role name,
// secondary role names, the inviting user and live API keys. Repeated calls
// are no-ops until ResetRelated.
func (s *Store) Hydrate(ctx context.Context, u *User) error {
	if u.related.hydrated {
		return nil
	}
	role, found, err := s.Roles.GetByPK(ctx, record.ScalarPK(u.RoleID), record.GetOpts{})
	if err != nil {
		return err
	}
	if found {
		u.related.roleName = role.Name
	}
	secondary, err := s.SecondaryRolesOf(ctx, u.ID)
	if err != nil {
		return err
	}
	names := make([]string, len(secondary))
	for i, role := range secondary {
		names[i] = role.Name
	}
	u.related.secondaryNames = names
	if u.InviterID != nil {
		inviter, found, err := s.GetUser(ctx, *u.InviterID)
		if err != nil {
			return err
		}
		if found {
			u.related.inviter = inviter
		}
	}
	keys, err := s.APIKeysOf(ctx, u.ID, false)
	if err != nil {
		return err
	}
	u.related.apiKeys = keys
	u.related.hydrated = true
	return nil
}

// PermissionSource adapts the store to the resolver's read interface.
func (s *Store) PermissionSource() permissions.Source {
	return permSource{s}
}

type permSource struct {
	store *Store
}

func (p permSource) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	role, found, err := p.store.Roles.GetByPK(ctx, record.ScalarPK(roleID), record.GetOpts{})
	if err != nil || !found {
		return nil, err
	}
	return append([]string(nil), role.Permissions...), nil
}

func (p permSource) SecondaryPermissions(ctx context.Context, userID int64) ([]string, error) {
	roles, err := p.store.SecondaryRolesOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	var perms []string
	for _, role := range roles {
		perms = append(perms, role.Permissions...)
	}
	return perms, nil
}

func (p permSource) Overrides(ctx context.Context, userID int64) (map[string]bool, error) {
	return p.store.OverridesOf(ctx, userID)
}

func (p permSource) RoleMemberIDs(ctx context.Context, roleID int64, secondary bool) ([]int64, error) {
	var pks []record.PK
	var err error
	if secondary {
		raw := record.NewExpr("SELECT user_id FROM "+membershipTable+" WHERE role_id = ?", roleID)
		pks, err = p.store.Users.IDList(ctx, record.IDQuery{Raw: &raw})
	} else {
		pks, err = p.store.Users.IDList(ctx, record.IDQuery{
			Filter: record.NewExpr("role_id = ?", roleID),
		})
	}
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(pks))
	for _, pk := range pks {
		id, err := toInt64(pk[0])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("users: unexpected id type %T", v)
	}
}
