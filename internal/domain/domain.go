package domain

import "slices"

type Task struct {
	ID             string  `json:"id"`
	ClubID         string  `json:"club_id"`
	FixtureID      *string `json:"fixture_id,omitempty"`
	TemplatePackID *string `json:"template_pack_id,omitempty"`
	Label          string  `json:"label"`
	SortOrder      int     `json:"sort_order"`
	IsCompleted    bool    `json:"is_completed"`
	CompletedBy    *string `json:"completed_by,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	OwnerPersonID  *string `json:"owner_person_id,omitempty"`
	BackupPersonID *string `json:"backup_person_id,omitempty"`
	OwnerRole      *string `json:"owner_role,omitempty"`
	DueAt          *string `json:"due_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Owner returns the explicit owner or "".
func (t Task) Owner() string { return deref(t.OwnerPersonID) }

// Backup returns the backup person or "".
func (t Task) Backup() string { return deref(t.BackupPersonID) }

// Role returns the fallback owner role or "".
func (t Task) Role() string { return deref(t.OwnerRole) }

// TaskFilter scopes TaskStore.List. ClubID is required.
type TaskFilter struct {
	ClubID         string
	FixtureID      string
	TemplatePackID string
	OwnerID        string
	IncompleteOnly bool
	Limit          int
}

type AuditEvent struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	ClubID    string         `json:"club_id"`
	FixtureID *string        `json:"fixture_id,omitempty"`
	TaskID    *string        `json:"task_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type EventType string

const (
	EventTaskCreated      EventType = "task.created"
	EventTaskClaimed      EventType = "task.claimed"
	EventTaskReassigned   EventType = "task.reassigned"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskReopened     EventType = "task.reopened"
	EventHandoverExecuted EventType = "handover.executed"
)

// EventTypes lists every event type the engine records.
var EventTypes = []EventType{
	EventTaskCreated,
	EventTaskClaimed,
	EventTaskReassigned,
	EventTaskCompleted,
	EventTaskReopened,
	EventHandoverExecuted,
}

func (t EventType) Valid() bool {
	return slices.Contains(EventTypes, t)
}

type HandoverScope string

const (
	ScopeAll     HandoverScope = "all"
	ScopeFixture HandoverScope = "fixture"
	ScopePack    HandoverScope = "pack"
)

type HandoverTarget string

const (
	TargetPerson HandoverTarget = "person"
	TargetRole   HandoverTarget = "role"
	TargetBackup HandoverTarget = "backup"
)

// HandoverRequest is a bulk reassignment command. It is never persisted.
type HandoverRequest struct {
	ClubID         string         `json:"club_id"`
	FromPersonID   string         `json:"from_person_id"`
	Scope          HandoverScope  `json:"scope" enum:"all,fixture,pack"`
	FixtureID      string         `json:"fixture_id,omitempty"`
	TemplatePackID string         `json:"template_pack_id,omitempty"`
	Target         HandoverTarget `json:"target" enum:"person,role,backup"`
	ToPersonID     string         `json:"to_person_id,omitempty"`
	ToRole         string         `json:"to_role,omitempty"`
}

type HandoverResult struct {
	Success       bool     `json:"success"`
	TasksAffected int      `json:"tasks_affected"`
	Errors        []string `json:"errors"`
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
