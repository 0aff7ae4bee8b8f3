package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clubops/internal/domain"
	"clubops/internal/events"
	"clubops/internal/metrics"
	"clubops/internal/ownership"
	"clubops/internal/repo"
)

// TaskStore owns the canonical task records. It never records audit events.
type TaskStore interface {
	List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Insert(ctx context.Context, t domain.Task) error
	Update(ctx context.Context, id string, m domain.Mutation) (domain.Task, error)
	ClaimOwner(ctx context.Context, id, personID string) (domain.Task, bool, error)
}

// AuditLog is the append-only event history.
type AuditLog interface {
	Append(ctx context.Context, evt domain.AuditEvent) (domain.AuditEvent, error)
	ListByFixture(ctx context.Context, fixtureID string) ([]domain.AuditEvent, error)
	ListByTask(ctx context.Context, taskID string) ([]domain.AuditEvent, error)
	ListByClub(ctx context.Context, clubID string, limit int) ([]domain.AuditEvent, error)
}

// Directory resolves role membership.
type Directory interface {
	MembersOf(ctx context.Context, clubID, role string) (map[string]struct{}, error)
	RolesOf(ctx context.Context, personID string) ([]string, error)
}

type Engine struct {
	Tasks     TaskStore
	Audit     AuditLog
	Directory Directory
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

// New wires the engine to the SQLite task store and audit log on db.
func New(db *sql.DB, dir Directory, logger *zap.SugaredLogger) Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return Engine{
		Tasks:     repo.New(logger.Named("repo"), db),
		Audit:     events.Writer{DB: db, Logger: logger.Named("audit")},
		Directory: dir,
		Logger:    logger,
		Now:       time.Now,
	}
}

// NewWithStores wires the engine to arbitrary store implementations.
func NewWithStores(tasks TaskStore, audit AuditLog, dir Directory, logger *zap.SugaredLogger) Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return Engine{Tasks: tasks, Audit: audit, Directory: dir, Logger: logger, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.SugaredLogger {
	if e.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return e.Logger
}

// record appends one audit event about t. It runs after the task write has
// committed, so it ignores cancellation of ctx.
func (e Engine) record(ctx context.Context, t domain.Task, actorID string, typ domain.EventType, payload events.EventPayload) error {
	taskID := t.ID
	_, err := e.Audit.Append(context.WithoutCancel(ctx), domain.AuditEvent{
		ClubID:    t.ClubID,
		FixtureID: t.FixtureID,
		TaskID:    &taskID,
		ActorID:   actorID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: e.stamp(),
	})
	if err != nil {
		e.log().Errorw("Error recording audit event", "type", typ, "taskID", t.ID, "err", err)
	}
	return err
}

func (e Engine) ListTasks(ctx context.Context, f domain.TaskFilter) (res []domain.Task, err error) {
	defer func(start time.Time) { metrics.ObserveOp("list_tasks", start, err) }(time.Now())
	if strings.TrimSpace(f.ClubID) == "" {
		return nil, domain.Invalid("club_id", "is required")
	}
	return e.Tasks.List(ctx, f)
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Task{}, domain.Invalid("task_id", "is required")
	}
	return e.Tasks.Get(ctx, id)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	ClubID         string
	FixtureID      string
	TemplatePackID string
	Label          string
	SortOrder      int
	OwnerID        string
	BackupID       string
	OwnerRole      string
	DueAt          string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (t domain.Task, err error) {
	defer func(start time.Time) { metrics.ObserveOp("create_task", start, err) }(time.Now())
	if strings.TrimSpace(opts.ClubID) == "" {
		return t, domain.Invalid("club_id", "is required")
	}
	if strings.TrimSpace(opts.Label) == "" {
		return t, domain.Invalid("label", "is required")
	}
	if opts.ActorID == "" {
		return t, domain.Invalid("actor_id", "is required")
	}
	if opts.OwnerID != "" && opts.OwnerID == opts.BackupID {
		return t, domain.Invalid("backup_id", "must differ from owner")
	}
	if opts.DueAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueAt); err != nil {
			return t, domain.Invalid("due_at", "must be an RFC3339 timestamp")
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.stamp()
	t = domain.Task{
		ID:             id,
		ClubID:         opts.ClubID,
		FixtureID:      domain.Ptr(opts.FixtureID),
		TemplatePackID: domain.Ptr(opts.TemplatePackID),
		Label:          opts.Label,
		SortOrder:      opts.SortOrder,
		OwnerPersonID:  domain.Ptr(opts.OwnerID),
		BackupPersonID: domain.Ptr(opts.BackupID),
		OwnerRole:      domain.Ptr(opts.OwnerRole),
		DueAt:          domain.Ptr(opts.DueAt),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Tasks.Insert(ctx, t); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"label": t.Label}
	if opts.OwnerID != "" {
		payload["owner"] = opts.OwnerID
	}
	if opts.OwnerRole != "" {
		payload["owner_role"] = opts.OwnerRole
	}
	if err := e.record(ctx, t, opts.ActorID, domain.EventTaskCreated, payload); err != nil {
		return t, err
	}
	e.log().Infow("Task created", "taskID", t.ID, "clubID", t.ClubID, "actorID", opts.ActorID)
	return t, nil
}

// ReassignOptions changes the explicit owner and/or backup of one task. A nil
// field is left as is; a pointer to "" clears it.
type ReassignOptions struct {
	TaskID   string
	OwnerID  *string
	BackupID *string
	ActorID  string
}

// ReassignTask sets owner and backup directly. When only the owner changes
// and the new owner is the current backup, the backup is cleared.
func (e Engine) ReassignTask(ctx context.Context, opts ReassignOptions) (t domain.Task, err error) {
	defer func(start time.Time) { metrics.ObserveOp("reassign", start, err) }(time.Now())
	if opts.TaskID == "" {
		return t, domain.Invalid("task_id", "is required")
	}
	if opts.ActorID == "" {
		return t, domain.Invalid("actor_id", "is required")
	}
	if opts.OwnerID == nil && opts.BackupID == nil {
		return t, domain.Invalid("owner_id", "or backup_id is required")
	}
	current, err := e.Tasks.Get(ctx, opts.TaskID)
	if err != nil {
		return t, err
	}
	owner, backup := current.Owner(), current.Backup()
	if opts.OwnerID != nil {
		owner = strings.TrimSpace(*opts.OwnerID)
	}
	if opts.BackupID != nil {
		backup = strings.TrimSpace(*opts.BackupID)
	}
	if owner != "" && owner == backup {
		if opts.BackupID != nil {
			return t, domain.Invalid("backup_id", "must differ from owner")
		}
		backup = ""
	}
	t, err = e.Tasks.Update(ctx, current.ID, domain.SetOwnership{
		Owner:  domain.Ptr(owner),
		Backup: domain.Ptr(backup),
		Role:   current.OwnerRole,
	})
	if err != nil {
		return t, err
	}
	payload := events.EventPayload{
		"from":        nullIfEmpty(current.Owner()),
		"to":          nullIfEmpty(owner),
		"backup_from": nullIfEmpty(current.Backup()),
		"backup_to":   nullIfEmpty(backup),
	}
	if err := e.record(ctx, t, opts.ActorID, domain.EventTaskReassigned, payload); err != nil {
		return t, err
	}
	e.log().Infow("Task reassigned", "taskID", t.ID, "from", current.Owner(), "to", owner, "actorID", opts.ActorID)
	return t, nil
}

// ToggleCompletion marks a task completed or reopens it. Setting the state
// the task already has is a no-op.
func (e Engine) ToggleCompletion(ctx context.Context, taskID string, completed bool, actorID string) (t domain.Task, err error) {
	defer func(start time.Time) { metrics.ObserveOp("toggle_completion", start, err) }(time.Now())
	if actorID == "" {
		return t, domain.Invalid("actor_id", "is required")
	}
	current, err := e.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if current.IsCompleted == completed {
		return current, nil
	}
	at := e.stamp()
	t, err = e.Tasks.Update(ctx, current.ID, domain.SetCompletion{Completed: completed, By: &actorID, At: &at})
	if err != nil {
		return t, err
	}
	typ := domain.EventTaskReopened
	payload := events.EventPayload{}
	if completed {
		typ = domain.EventTaskCompleted
		payload["completed_at"] = at
	}
	if err := e.record(ctx, t, actorID, typ, payload); err != nil {
		return t, err
	}
	return t, nil
}

// EffectiveOwner resolves t against the directory.
func (e Engine) EffectiveOwner(ctx context.Context, t domain.Task) (ownership.Ownership, error) {
	members, err := e.membersFor(ctx, t)
	if err != nil {
		return ownership.Ownership{}, err
	}
	return ownership.Effective(t, members), nil
}

func (e Engine) membersFor(ctx context.Context, t domain.Task) (map[string]struct{}, error) {
	role := t.Role()
	if role == "" || e.Directory == nil {
		return nil, nil
	}
	members, err := e.Directory.MembersOf(ctx, t.ClubID, role)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", role, err)
	}
	return members, nil
}

// ClaimableTasks returns incomplete unowned tasks whose role personID holds.
func (e Engine) ClaimableTasks(ctx context.Context, clubID, personID string) ([]domain.Task, error) {
	if personID == "" {
		return nil, domain.Invalid("person_id", "is required")
	}
	if e.Directory == nil {
		return []domain.Task{}, nil
	}
	roles, err := e.Directory.RolesOf(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("roles of %s: %w", personID, err)
	}
	held := ownership.Members(roles...)
	if len(held) == 0 {
		return []domain.Task{}, nil
	}
	tasks, err := e.ListTasks(ctx, domain.TaskFilter{ClubID: clubID, IncompleteOnly: true})
	if err != nil {
		return nil, err
	}
	res := []domain.Task{}
	for _, t := range tasks {
		if t.Owner() != "" {
			continue
		}
		if _, ok := held[t.Role()]; ok {
			res = append(res, t)
		}
	}
	return res, nil
}

// AuditQuery selects audit events by fixture, by task, or the latest of a club.
type AuditQuery struct {
	ClubID    string
	FixtureID string
	TaskID    string
	Limit     int
}

func (e Engine) ListAuditEvents(ctx context.Context, q AuditQuery) ([]domain.AuditEvent, error) {
	switch {
	case q.FixtureID != "" && q.TaskID != "":
		return nil, domain.Invalid("fixture_id", "and task_id are mutually exclusive")
	case q.FixtureID != "":
		return e.Audit.ListByFixture(ctx, q.FixtureID)
	case q.TaskID != "":
		return e.Audit.ListByTask(ctx, q.TaskID)
	case q.ClubID != "":
		return e.Audit.ListByClub(ctx, q.ClubID, q.Limit)
	default:
		return nil, domain.Invalid("fixture_id", "or task_id is required")
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IsBatchRecoverable reports whether a per-task failure may be collected
// instead of aborting a batch.
func IsBatchRecoverable(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrOwnerChanged)
}
