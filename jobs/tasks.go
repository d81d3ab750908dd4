// Package jobs runs background work over Asynq: role-wide permission cache
// sweeps and the nightly stale-invite expiry.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRoleFanout invalidates the cached permission set of every holder
	// of a role after its permission list changed.
	TaskRoleFanout = "permissions:role_fanout"
	// TaskInviteSweep expires unclaimed invites past their lifetime.
	TaskInviteSweep = "invites:expire_stale"
)

// RoleFanoutPayload identifies the role whose holders need a sweep.
type RoleFanoutPayload struct {
	RoleID    int64 `json:"role_id"`
	Secondary bool  `json:"secondary"`
}

// NewRoleFanoutTask constructs the fanout task.
func NewRoleFanoutTask(payload RoleFanoutPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleFanout, data), nil
}

// InviteSweepPayload bounds the sweep: invites sent more than MaxAgeHours
// ago and never claimed get expired.
type InviteSweepPayload struct {
	MaxAgeHours int `json:"max_age_hours"`
}

// NewInviteSweepTask constructs the sweep task.
func NewInviteSweepTask(maxAgeHours int) (*asynq.Task, error) {
	data, err := json.Marshal(InviteSweepPayload{MaxAgeHours: maxAgeHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInviteSweep, data), nil
}
