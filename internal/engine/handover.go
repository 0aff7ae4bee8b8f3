package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clubops/internal/domain"
	"clubops/internal/events"
	"clubops/internal/metrics"
)

// ValidateHandover rejects malformed requests before any task is read.
func ValidateHandover(req domain.HandoverRequest) error {
	if strings.TrimSpace(req.ClubID) == "" {
		return domain.Invalid("club_id", "is required")
	}
	if strings.TrimSpace(req.FromPersonID) == "" {
		return domain.Invalid("from_person_id", "is required")
	}
	switch req.Scope {
	case domain.ScopeAll:
	case domain.ScopeFixture:
		if req.FixtureID == "" {
			return domain.Invalid("fixture_id", "is required for scope fixture")
		}
	case domain.ScopePack:
		if req.TemplatePackID == "" {
			return domain.Invalid("template_pack_id", "is required for scope pack")
		}
	default:
		return domain.Invalid("scope", fmt.Sprintf("must be all, fixture or pack, got %q", req.Scope))
	}
	switch req.Target {
	case domain.TargetPerson:
		if req.ToPersonID == "" {
			return domain.Invalid("to_person_id", "is required for target person")
		}
		if req.ToPersonID == req.FromPersonID {
			return domain.Invalid("to_person_id", "must differ from from_person_id")
		}
	case domain.TargetRole:
		if req.ToRole == "" {
			return domain.Invalid("to_role", "is required for target role")
		}
	case domain.TargetBackup:
	default:
		return domain.Invalid("target", fmt.Sprintf("must be person, role or backup, got %q", req.Target))
	}
	return nil
}

// ResolveAffectedTasks returns the incomplete tasks explicitly owned by the
// request's from person within its scope, in list order.
func (e Engine) ResolveAffectedTasks(ctx context.Context, req domain.HandoverRequest) ([]domain.Task, error) {
	if err := ValidateHandover(req); err != nil {
		return nil, err
	}
	f := domain.TaskFilter{ClubID: req.ClubID, OwnerID: req.FromPersonID, IncompleteOnly: true}
	switch req.Scope {
	case domain.ScopeFixture:
		f.FixtureID = req.FixtureID
	case domain.ScopePack:
		f.TemplatePackID = req.TemplatePackID
	}
	tasks, err := e.Tasks.List(ctx, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.IsCompleted || t.Owner() != req.FromPersonID {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

// PreviewHandover reports how many tasks ExecuteHandover would move now.
// It writes nothing.
func (e Engine) PreviewHandover(ctx context.Context, req domain.HandoverRequest) (res domain.HandoverResult, err error) {
	defer func(start time.Time) { metrics.ObserveOp("handover_preview", start, err) }(time.Now())
	tasks, err := e.ResolveAffectedTasks(ctx, req)
	if err != nil {
		return domain.HandoverResult{}, err
	}
	return domain.HandoverResult{Success: true, TasksAffected: len(tasks), Errors: []string{}}, nil
}

// ExecuteHandover re-resolves the affected tasks and moves each one
// independently. Tasks that vanish or change owner underneath are reported
// in Errors; storage failures abort and are returned with the partial result.
func (e Engine) ExecuteHandover(ctx context.Context, actorID string, req domain.HandoverRequest) (res domain.HandoverResult, err error) {
	defer func(start time.Time) { metrics.ObserveOp("handover_execute", start, err) }(time.Now())
	res = domain.HandoverResult{Errors: []string{}}
	if strings.TrimSpace(actorID) == "" {
		return res, domain.Invalid("actor_id", "is required")
	}
	tasks, err := e.ResolveAffectedTasks(ctx, req)
	if err != nil {
		return res, err
	}
	e.log().Infow("Handover started", "clubID", req.ClubID, "from", req.FromPersonID, "scope", req.Scope,
		"target", req.Target, "candidates", len(tasks), "actorID", actorID)

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			e.log().Warnw("Handover abandoned", "from", req.FromPersonID, "moved", res.TasksAffected, "err", err)
			return res, err
		}
		m, to, reason := handoverMutation(t, req)
		if reason != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("task %s (%s): %s", t.ID, t.Label, reason))
			metrics.ObserveHandoverTask(string(req.Target), "skipped")
			continue
		}
		updated, err := e.Tasks.Update(ctx, t.ID, m)
		if err != nil {
			if !IsBatchRecoverable(err) {
				metrics.ObserveHandoverTask(string(req.Target), "failed")
				return res, err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("task %s (%s): %s", t.ID, t.Label, describeTaskError(err, req.FromPersonID)))
			metrics.ObserveHandoverTask(string(req.Target), "skipped")
			e.log().Warnw("Handover skipped task", "taskID", t.ID, "err", err)
			continue
		}
		res.TasksAffected++
		metrics.ObserveHandoverTask(string(req.Target), "moved")

		payload := events.EventPayload{
			"from":   req.FromPersonID,
			"to":     nullIfEmpty(to),
			"scope":  string(req.Scope),
			"target": string(req.Target),
		}
		if req.Target == domain.TargetRole {
			payload["to_role"] = req.ToRole
		}
		if err := e.record(ctx, updated, actorID, domain.EventHandoverExecuted, payload); err != nil {
			return res, err
		}
	}
	res.Success = len(res.Errors) == 0
	e.log().Infow("Handover finished", "from", req.FromPersonID, "moved", res.TasksAffected, "errors", len(res.Errors))
	return res, nil
}

// handoverMutation computes the new ownership of t. A non-empty reason means
// t cannot be moved and is left untouched.
func handoverMutation(t domain.Task, req domain.HandoverRequest) (m domain.HandoverReassign, to string, reason string) {
	m = domain.HandoverReassign{ExpectedOwner: req.FromPersonID}
	switch req.Target {
	case domain.TargetPerson:
		to = req.ToPersonID
		m.Owner = domain.Ptr(to)
		if t.Backup() != to {
			m.Backup = t.BackupPersonID
		}
		m.Role = t.OwnerRole
	case domain.TargetRole:
		m.Backup = t.BackupPersonID
		m.Role = domain.Ptr(req.ToRole)
	case domain.TargetBackup:
		to = t.Backup()
		if to == "" {
			return m, "", "no backup person set"
		}
		if to == req.FromPersonID {
			return m, "", "backup is the person handing over"
		}
		m.Owner = domain.Ptr(to)
		m.Role = t.OwnerRole
	}
	return m, to, ""
}

func describeTaskError(err error, from string) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "task no longer exists"
	case errors.Is(err, domain.ErrOwnerChanged):
		return fmt.Sprintf("no longer an open task owned by %s", from)
	default:
		return err.Error()
	}
}
