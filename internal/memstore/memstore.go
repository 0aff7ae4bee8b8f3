// Package memstore keeps tasks and audit events in process memory. It backs
// `clubops serve --ephemeral` and the engine tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clubops/internal/domain"
)

type taskRow struct {
	seq  int64
	task domain.Task
}

// Store implements the task store and audit log contracts under one mutex.
type Store struct {
	Now func() time.Time

	mu      sync.Mutex
	nextSeq int64
	tasks   map[string]taskRow
	events  []domain.AuditEvent
}

func New() *Store {
	return &Store{tasks: map[string]taskRow{}, Now: time.Now}
}

func (s *Store) stamp() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s *Store) Insert(_ context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.nextSeq++
	s.tasks[t.ID] = taskRow{seq: s.nextSeq, task: cloneTask(t)}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return cloneTask(row.task), nil
}

func (s *Store) List(_ context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	if f.ClubID == "" {
		return nil, domain.Invalid("club_id", "is required")
	}
	s.mu.Lock()
	rows := make([]taskRow, 0, len(s.tasks))
	for _, row := range s.tasks {
		if matches(row.task, f) {
			rows = append(rows, row)
		}
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.task.SortOrder != b.task.SortOrder {
			return a.task.SortOrder < b.task.SortOrder
		}
		if a.task.CreatedAt != b.task.CreatedAt {
			return a.task.CreatedAt < b.task.CreatedAt
		}
		return a.seq < b.seq
	})
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	res := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		res = append(res, cloneTask(row.task))
	}
	return res, nil
}

func matches(t domain.Task, f domain.TaskFilter) bool {
	if t.ClubID != f.ClubID {
		return false
	}
	if f.FixtureID != "" && deref(t.FixtureID) != f.FixtureID {
		return false
	}
	if f.TemplatePackID != "" && deref(t.TemplatePackID) != f.TemplatePackID {
		return false
	}
	if f.OwnerID != "" && t.Owner() != f.OwnerID {
		return false
	}
	if f.IncompleteOnly && t.IsCompleted {
		return false
	}
	return true
}

func (s *Store) Update(_ context.Context, id string, m domain.Mutation) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if h, ok := m.(domain.HandoverReassign); ok && !h.Applicable(row.task) {
		return cloneTask(row.task), fmt.Errorf("task %s: %w", id, domain.ErrOwnerChanged)
	}
	row.task = m.Apply(row.task)
	row.task.UpdatedAt = s.stamp()
	s.tasks[id] = row
	return cloneTask(row.task), nil
}

// ClaimOwner is a read-modify-write under the store lock.
func (s *Store) ClaimOwner(_ context.Context, id, personID string) (domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	switch row.task.Owner() {
	case "":
	case personID:
		return cloneTask(row.task), false, nil
	default:
		return cloneTask(row.task), false, fmt.Errorf("task %s owned by %s: %w", id, row.task.Owner(), domain.ErrAlreadyOwned)
	}
	row.task.OwnerPersonID = domain.Ptr(personID)
	row.task.UpdatedAt = s.stamp()
	s.tasks[id] = row
	return cloneTask(row.task), true, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

func (s *Store) Append(_ context.Context, evt domain.AuditEvent) (domain.AuditEvent, error) {
	if !evt.Type.Valid() {
		return evt, domain.Invalid("type", fmt.Sprintf("unknown event type %q", evt.Type))
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CreatedAt == "" {
		evt.CreatedAt = s.stamp()
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evt.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, cloneEvent(evt))
	return evt, nil
}

func (s *Store) ListByFixture(_ context.Context, fixtureID string) ([]domain.AuditEvent, error) {
	return s.filterEvents(func(e domain.AuditEvent) bool { return deref(e.FixtureID) == fixtureID }, 0), nil
}

func (s *Store) ListByTask(_ context.Context, taskID string) ([]domain.AuditEvent, error) {
	return s.filterEvents(func(e domain.AuditEvent) bool { return deref(e.TaskID) == taskID }, 0), nil
}

func (s *Store) ListByClub(_ context.Context, clubID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.filterEvents(func(e domain.AuditEvent) bool { return e.ClubID == clubID }, limit), nil
}

// filterEvents returns matching events oldest first, keeping only the newest
// limit when limit > 0.
func (s *Store) filterEvents(keep func(domain.AuditEvent) bool, limit int) []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.AuditEvent
	for _, e := range s.events {
		if keep(e) {
			res = append(res, cloneEvent(e))
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[len(res)-limit:]
	}
	return res
}

func cloneTask(t domain.Task) domain.Task {
	t.FixtureID = clonePtr(t.FixtureID)
	t.TemplatePackID = clonePtr(t.TemplatePackID)
	t.CompletedBy = clonePtr(t.CompletedBy)
	t.CompletedAt = clonePtr(t.CompletedAt)
	t.OwnerPersonID = clonePtr(t.OwnerPersonID)
	t.BackupPersonID = clonePtr(t.BackupPersonID)
	t.OwnerRole = clonePtr(t.OwnerRole)
	t.DueAt = clonePtr(t.DueAt)
	return t
}

func cloneEvent(e domain.AuditEvent) domain.AuditEvent {
	e.FixtureID = clonePtr(e.FixtureID)
	e.TaskID = clonePtr(e.TaskID)
	payload := make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		payload[k] = v
	}
	e.Payload = payload
	return e
}

func clonePtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
