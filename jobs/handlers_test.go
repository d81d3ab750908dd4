package jobs

import (
	"context"
	"log/slog"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/helix-api/helix/internal/permissions"
	"github.com/helix-api/helix/internal/platform/cache"
	_ "github.com/helix-api/helix/internal/testing/guard"
)

type stubSource struct {
	rolePerms map[int64][]string
	members   map[int64][]int64
}

func (s *stubSource) RolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	return s.rolePerms[roleID], nil
}

func (s *stubSource) SecondaryPermissions(ctx context.Context, userID int64) ([]string, error) {
	return nil, nil
}

func (s *stubSource) Overrides(ctx context.Context, userID int64) (map[string]bool, error) {
	return nil, nil
}

func (s *stubSource) RoleMemberIDs(ctx context.Context, roleID int64, secondary bool) ([]int64, error) {
	return s.members[roleID], nil
}

type stubSubject struct {
	id     int64
	roleID int64
}

func (s stubSubject) SubjectID() int64     { return s.id }
func (s stubSubject) PrimaryRoleID() int64 { return s.roleID }
func (s stubSubject) IsLocked() bool       { return false }

func TestRoleFanoutHandlerSweepsCachedSets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := cache.NewStore(client)

	source := &stubSource{
		rolePerms: map[int64][]string{10: {"roles.list"}},
		members:   map[int64][]int64{10: {1, 2}},
	}
	resolver := permissions.NewResolver(kv, source, nil, nil, slog.Default())
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		_, err := resolver.Resolve(ctx, stubSubject{id: id, roleID: 10})
		require.NoError(t, err)
		has, err := kv.Has(ctx, permissions.Key(id))
		require.NoError(t, err)
		require.True(t, has)
	}

	task, err := NewRoleFanoutTask(RoleFanoutPayload{RoleID: 10})
	require.NoError(t, err)
	job := NewRoleFanoutJob(resolver, slog.Default())
	require.NoError(t, job.Handle(ctx, task))

	for _, id := range []int64{1, 2} {
		has, err := kv.Has(ctx, permissions.Key(id))
		require.NoError(t, err)
		require.False(t, has)
	}
}

func TestRoleFanoutHandlerRejectsBadPayload(t *testing.T) {
	job := NewRoleFanoutJob(nil, slog.Default())
	err := job.Handle(context.Background(), asynq.NewTask(TaskRoleFanout, []byte("not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestInviteSweepHandlerRejectsBadPayload(t *testing.T) {
	job := NewInviteSweepJob(nil, slog.Default())

	err := job.Handle(context.Background(), asynq.NewTask(TaskInviteSweep, []byte("{}")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
