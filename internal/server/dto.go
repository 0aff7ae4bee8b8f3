package server

import (
	"clubops/internal/domain"
	"clubops/internal/ownership"
)

// Request payloads

type CreateTaskRequest struct {
	ID             *string `json:"id,omitempty"`
	FixtureID      *string `json:"fixture_id,omitempty"`
	TemplatePackID *string `json:"template_pack_id,omitempty"`
	Label          string  `json:"label"`
	SortOrder      int     `json:"sort_order,omitempty"`
	OwnerPersonID  *string `json:"owner_person_id,omitempty"`
	BackupPersonID *string `json:"backup_person_id,omitempty"`
	OwnerRole      *string `json:"owner_role,omitempty"`
	DueAt          *string `json:"due_at,omitempty" format:"date-time"`
}

// AssignmentRequest changes the explicit owner and/or backup. An empty string
// clears the field; an absent field leaves it alone.
type AssignmentRequest struct {
	OwnerPersonID  *string `json:"owner_person_id,omitempty"`
	BackupPersonID *string `json:"backup_person_id,omitempty"`
}

type CompletionRequest struct {
	Completed bool `json:"completed"`
}

type HandoverRequest struct {
	FromPersonID   string `json:"from_person_id"`
	Scope          string `json:"scope" enum:"all,fixture,pack"`
	FixtureID      string `json:"fixture_id,omitempty"`
	TemplatePackID string `json:"template_pack_id,omitempty"`
	Target         string `json:"target" enum:"person,role,backup"`
	ToPersonID     string `json:"to_person_id,omitempty"`
	ToRole         string `json:"to_role,omitempty"`
}

func (r HandoverRequest) toDomain(clubID string) domain.HandoverRequest {
	return domain.HandoverRequest{
		ClubID:         clubID,
		FromPersonID:   r.FromPersonID,
		Scope:          domain.HandoverScope(r.Scope),
		FixtureID:      r.FixtureID,
		TemplatePackID: r.TemplatePackID,
		Target:         domain.HandoverTarget(r.Target),
		ToPersonID:     r.ToPersonID,
		ToRole:         r.ToRole,
	}
}

// Response payloads

type TaskResponse struct {
	ID             string             `json:"id"`
	ClubID         string             `json:"club_id"`
	FixtureID      *string            `json:"fixture_id,omitempty"`
	TemplatePackID *string            `json:"template_pack_id,omitempty"`
	Label          string             `json:"label"`
	SortOrder      int                `json:"sort_order"`
	IsCompleted    bool               `json:"is_completed"`
	CompletedBy    *string            `json:"completed_by,omitempty"`
	CompletedAt    *string            `json:"completed_at,omitempty" format:"date-time"`
	OwnerPersonID  *string            `json:"owner_person_id,omitempty"`
	BackupPersonID *string            `json:"backup_person_id,omitempty"`
	OwnerRole      *string            `json:"owner_role,omitempty"`
	DueAt          *string            `json:"due_at,omitempty" format:"date-time"`
	Ownership      *OwnershipResponse `json:"ownership,omitempty"`
	CreatedAt      string             `json:"created_at" format:"date-time"`
	UpdatedAt      string             `json:"updated_at" format:"date-time"`
}

type OwnershipResponse struct {
	Kind     string `json:"kind" enum:"unassigned,explicit_owner,role_claimable"`
	PersonID string `json:"person_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

type EventResponse struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	ClubID    string         `json:"club_id"`
	FixtureID *string        `json:"fixture_id,omitempty"`
	TaskID    *string        `json:"task_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type HandoverResponse struct {
	Success       bool     `json:"success"`
	TasksAffected int      `json:"tasks_affected"`
	Errors        []string `json:"errors"`
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		ClubID:         t.ClubID,
		FixtureID:      t.FixtureID,
		TemplatePackID: t.TemplatePackID,
		Label:          t.Label,
		SortOrder:      t.SortOrder,
		IsCompleted:    t.IsCompleted,
		CompletedBy:    t.CompletedBy,
		CompletedAt:    t.CompletedAt,
		OwnerPersonID:  t.OwnerPersonID,
		BackupPersonID: t.BackupPersonID,
		OwnerRole:      t.OwnerRole,
		DueAt:          t.DueAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func ownershipResponse(o ownership.Ownership) *OwnershipResponse {
	return &OwnershipResponse{Kind: o.Kind.String(), PersonID: o.PersonID, Role: o.Role}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func eventResponse(e domain.AuditEvent) EventResponse {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:        e.ID,
		Seq:       e.Seq,
		ClubID:    e.ClubID,
		FixtureID: e.FixtureID,
		TaskID:    e.TaskID,
		ActorID:   e.ActorID,
		Type:      string(e.Type),
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}
}

func handoverResponse(r domain.HandoverResult) HandoverResponse {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return HandoverResponse{Success: r.Success, TasksAffected: r.TasksAffected, Errors: errs}
}

func ptrValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
