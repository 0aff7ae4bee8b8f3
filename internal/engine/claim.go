package engine

import (
	"context"
	"fmt"
	"time"

	"clubops/internal/domain"
	"clubops/internal/events"
	"clubops/internal/metrics"
	"clubops/internal/ownership"
)

// ClaimTask makes personID the explicit owner of a role-claimable task.
// Claiming a task personID already owns succeeds without recording anything.
func (e Engine) ClaimTask(ctx context.Context, taskID, personID string) (t domain.Task, err error) {
	defer func(start time.Time) { metrics.ObserveOp("claim", start, err) }(time.Now())
	if personID == "" {
		return t, domain.Invalid("person_id", "is required")
	}
	current, err := e.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	members, err := e.membersFor(ctx, current)
	if err != nil {
		return t, err
	}
	o := ownership.Effective(current, members)
	switch o.Kind {
	case ownership.ExplicitOwner:
		if o.PersonID == personID {
			return current, nil
		}
		return current, fmt.Errorf("task %s owned by %s: %w", current.ID, o.PersonID, domain.ErrAlreadyOwned)
	case ownership.RoleClaimable:
		if !o.CanClaim(personID, members) {
			return current, fmt.Errorf("task %s: %s does not hold role %s: %w", current.ID, personID, o.Role, domain.ErrNotClaimable)
		}
	default:
		return current, fmt.Errorf("task %s must be explicitly assigned: %w", current.ID, domain.ErrNotClaimable)
	}

	t, claimed, err := e.Tasks.ClaimOwner(ctx, current.ID, personID)
	if err != nil {
		e.log().Warnw("Claim rejected", "taskID", current.ID, "personID", personID, "err", err)
		return t, err
	}
	if !claimed {
		return t, nil
	}
	if err := e.record(ctx, t, personID, domain.EventTaskClaimed, events.EventPayload{"role": o.Role}); err != nil {
		return t, err
	}
	e.log().Infow("Task claimed", "taskID", t.ID, "personID", personID, "role", o.Role)
	return t, nil
}

// UnassignTask clears the explicit owner. The role, if any, stays so the
// task becomes claimable again. Unassigning an unowned task is a no-op.
func (e Engine) UnassignTask(ctx context.Context, taskID, actorID string) (t domain.Task, err error) {
	defer func(start time.Time) { metrics.ObserveOp("unassign", start, err) }(time.Now())
	if actorID == "" {
		return t, domain.Invalid("actor_id", "is required")
	}
	current, err := e.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if current.Owner() == "" {
		return current, nil
	}
	t, err = e.Tasks.Update(ctx, current.ID, domain.SetOwnership{
		Owner:  nil,
		Backup: current.BackupPersonID,
		Role:   current.OwnerRole,
	})
	if err != nil {
		return t, err
	}
	if err := e.record(ctx, t, actorID, domain.EventTaskReassigned, events.EventPayload{"from": current.Owner(), "to": nil}); err != nil {
		return t, err
	}
	e.log().Infow("Task unassigned", "taskID", t.ID, "from", current.Owner(), "actorID", actorID)
	return t, nil
}
