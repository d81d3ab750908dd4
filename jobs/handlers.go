package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/helix-api/helix/internal/permissions"
	"github.com/helix-api/helix/internal/users"
)

// RoleFanoutJob sweeps the cached permission set of every role holder.
type RoleFanoutJob struct {
	resolver *permissions.Resolver
	logger   *slog.Logger
}

func NewRoleFanoutJob(resolver *permissions.Resolver, logger *slog.Logger) *RoleFanoutJob {
	return &RoleFanoutJob{resolver: resolver, logger: logger}
}

// Handle processes TaskRoleFanout tasks.
func (j *RoleFanoutJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload RoleFanoutPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := j.resolver.InvalidateRoleNow(ctx, payload.RoleID, payload.Secondary); err != nil {
		return err
	}
	j.logger.Info("jobs: role fanout complete",
		slog.Int64("role_id", payload.RoleID),
		slog.Bool("secondary", payload.Secondary))
	return nil
}

// InviteSweepJob expires unclaimed invites past their lifetime.
type InviteSweepJob struct {
	store  *users.Store
	logger *slog.Logger
}

func NewInviteSweepJob(store *users.Store, logger *slog.Logger) *InviteSweepJob {
	return &InviteSweepJob{store: store, logger: logger}
}

// Handle processes TaskInviteSweep tasks.
func (j *InviteSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload InviteSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MaxAgeHours <= 0 {
		return asynq.SkipRetry
	}
	cutoff := time.Now().UTC().Add(-time.Duration(payload.MaxAgeHours) * time.Hour)
	expired, err := j.store.ExpireStaleInvites(ctx, cutoff)
	if err != nil {
		return err
	}
	j.logger.Info("jobs: invite sweep complete", slog.Int("expired", expired))
	return nil
}
