package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clubops/internal/domain"
)

// Writer is the SQLite audit log. Rows are only ever inserted.
type Writer struct {
	DB     *sql.DB
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

type EventPayload map[string]any

func (w Writer) log() *zap.SugaredLogger {
	if w.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return w.Logger
}

// Append records evt, filling in id and timestamp when empty, and returns
// the stored event.
func (w Writer) Append(ctx context.Context, evt domain.AuditEvent) (domain.AuditEvent, error) {
	if !evt.Type.Valid() {
		return evt, domain.Invalid("type", fmt.Sprintf("unknown event type %q", evt.Type))
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CreatedAt == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		evt.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	if evt.Payload == nil {
		evt.Payload = EventPayload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return evt, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO audit_events(id,club_id,fixture_id,task_id,actor_id,type,payload_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		evt.ID, evt.ClubID, nullableStringPtr(evt.FixtureID), nullableStringPtr(evt.TaskID), evt.ActorID, string(evt.Type), string(data), evt.CreatedAt)
	if err != nil {
		w.log().Errorw("Error appending audit event", "type", evt.Type, "taskID", evt.TaskID, "err", err)
		return evt, domain.Unavailable("append audit event", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		evt.Seq = seq
	}
	w.log().Debugw("Audit event appended", "type", evt.Type, "id", evt.ID, "actorID", evt.ActorID)
	return evt, nil
}

// ListByFixture returns events of a fixture, oldest first.
func (w Writer) ListByFixture(ctx context.Context, fixtureID string) ([]domain.AuditEvent, error) {
	return w.query(ctx, `WHERE fixture_id=? ORDER BY seq ASC`, fixtureID)
}

// ListByTask returns events of a task, oldest first.
func (w Writer) ListByTask(ctx context.Context, taskID string) ([]domain.AuditEvent, error) {
	return w.query(ctx, `WHERE task_id=? ORDER BY seq ASC`, taskID)
}

// ListByClub returns the latest limit events of a club, oldest first.
func (w Writer) ListByClub(ctx context.Context, clubID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := w.query(ctx, `WHERE club_id=? ORDER BY seq DESC LIMIT ?`, clubID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (w Writer) query(ctx context.Context, tail string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT seq,id,club_id,fixture_id,task_id,actor_id,type,payload_json,created_at FROM audit_events `+tail, args...)
	if err != nil {
		w.log().Errorw("Error listing audit events", "err", err)
		return nil, domain.Unavailable("list audit events", err)
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var fixtureID, taskID sql.NullString
		var typ, payload string
		if err := rows.Scan(&e.Seq, &e.ID, &e.ClubID, &fixtureID, &taskID, &e.ActorID, &typ, &payload, &e.CreatedAt); err != nil {
			return nil, domain.Unavailable("scan audit event", err)
		}
		e.Type = domain.EventType(typ)
		if fixtureID.Valid {
			e.FixtureID = &fixtureID.String
		}
		if taskID.Valid {
			e.TaskID = &taskID.String
		}
		e.Payload = map[string]any{}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of event %s: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list audit events", err)
	}
	return res, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
