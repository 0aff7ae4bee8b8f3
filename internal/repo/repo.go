package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"clubops/internal/domain"
)

// ErrNotFound is kept as an alias so callers can match either name.
var ErrNotFound = domain.ErrNotFound

// Repo is the SQLite task store.
type Repo struct {
	DB     *sql.DB
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

func New(logger *zap.SugaredLogger, db *sql.DB) Repo {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return Repo{DB: db, Logger: logger, Now: time.Now}
}

func (r Repo) log() *zap.SugaredLogger {
	if r.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return r.Logger
}

func (r Repo) stamp() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

const taskColumns = `id,club_id,fixture_id,template_pack_id,label,sort_order,is_completed,completed_by,completed_at,owner_person_id,backup_person_id,owner_role,due_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var fixtureID, packID, completedBy, completedAt, owner, backup, role, dueAt sql.NullString
	var completed int
	err := row.Scan(&t.ID, &t.ClubID, &fixtureID, &packID, &t.Label, &t.SortOrder, &completed, &completedBy, &completedAt,
		&owner, &backup, &role, &dueAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.IsCompleted = completed != 0
	t.FixtureID = nullString(fixtureID)
	t.TemplatePackID = nullString(packID)
	t.CompletedBy = nullString(completedBy)
	t.CompletedAt = nullString(completedAt)
	t.OwnerPersonID = nullString(owner)
	t.BackupPersonID = nullString(backup)
	t.OwnerRole = nullString(role)
	t.DueAt = nullString(dueAt)
	return t, nil
}

func (r Repo) Insert(ctx context.Context, t domain.Task) error {
	r.log().Debugw("Insert()", "taskID", t.ID, "clubID", t.ClubID)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ClubID, nullableStringPtr(t.FixtureID), nullableStringPtr(t.TemplatePackID), t.Label, t.SortOrder, boolInt(t.IsCompleted),
		nullableStringPtr(t.CompletedBy), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.OwnerPersonID),
		nullableStringPtr(t.BackupPersonID), nullableStringPtr(t.OwnerRole), nullableStringPtr(t.DueAt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		r.log().Errorw("Error inserting task", "taskID", t.ID, "err", err)
		return domain.Unavailable("insert task", err)
	}
	return nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.log().Errorw("Error loading task", "taskID", id, "err", err)
		return t, domain.Unavailable("get task", err)
	}
	return t, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return t, domain.Unavailable("get task", err)
	}
	return t, nil
}

// List returns tasks of one club ordered by sort order, creation time and
// insertion order.
func (r Repo) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	if f.ClubID == "" {
		return nil, domain.Invalid("club_id", "is required")
	}
	clauses := []string{"club_id=?"}
	args := []any{f.ClubID}
	if f.FixtureID != "" {
		clauses = append(clauses, "fixture_id=?")
		args = append(args, f.FixtureID)
	}
	if f.TemplatePackID != "" {
		clauses = append(clauses, "template_pack_id=?")
		args = append(args, f.TemplatePackID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_person_id=?")
		args = append(args, f.OwnerID)
	}
	if f.IncompleteOnly {
		clauses = append(clauses, "is_completed=0")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY sort_order ASC, created_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		r.log().Errorw("Error listing tasks", "clubID", f.ClubID, "err", err)
		return nil, domain.Unavailable("list tasks", err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.Unavailable("scan task", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list tasks", err)
	}
	return res, nil
}

// Update applies m to task id and returns the stored result.
func (r Repo) Update(ctx context.Context, id string, m domain.Mutation) (domain.Task, error) {
	r.log().Debugw("Update()", "taskID", id, "mutation", fmt.Sprintf("%T", m))
	sets, args, where, whereArgs, err := mutationSQL(m)
	if err != nil {
		return domain.Task{}, err
	}
	sets = append(sets, "updated_at=?")
	args = append(args, r.stamp())

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.Unavailable("begin update", err)
	}
	defer tx.Rollback()

	clauses := append([]string{"id=?"}, where...)
	args = append(args, id)
	args = append(args, whereArgs...)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ",")+` WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		r.log().Errorw("Error updating task", "taskID", id, "err", err)
		return domain.Task{}, domain.Unavailable("update task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, domain.Unavailable("update task", err)
	}
	t, err := getTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if affected == 0 {
		r.log().Warnw("Task changed before handover write", "taskID", id, "owner", t.Owner())
		return t, fmt.Errorf("task %s: %w", id, domain.ErrOwnerChanged)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.Unavailable("commit update", err)
	}
	return t, nil
}

func mutationSQL(m domain.Mutation) (sets []string, args []any, where []string, whereArgs []any, err error) {
	switch m := m.(type) {
	case domain.SetOwnership:
		sets = []string{"owner_person_id=?", "backup_person_id=?", "owner_role=?"}
		args = []any{nullableStringPtr(m.Owner), nullableStringPtr(m.Backup), nullableStringPtr(m.Role)}
	case domain.SetCompletion:
		applied := m.Apply(domain.Task{})
		sets = []string{"is_completed=?", "completed_by=?", "completed_at=?"}
		args = []any{boolInt(applied.IsCompleted), nullableStringPtr(applied.CompletedBy), nullableStringPtr(applied.CompletedAt)}
	case domain.HandoverReassign:
		sets = []string{"owner_person_id=?", "backup_person_id=?", "owner_role=?"}
		args = []any{nullableStringPtr(m.Owner), nullableStringPtr(m.Backup), nullableStringPtr(m.Role)}
		where = []string{"owner_person_id=?", "is_completed=0"}
		whereArgs = []any{m.ExpectedOwner}
	default:
		err = domain.Invalid("mutation", fmt.Sprintf("%T is not supported", m))
	}
	return
}

// ClaimOwner sets the owner of an unowned task in a single conditional
// write. claimed is false when the task already belonged to personID.
func (r Repo) ClaimOwner(ctx context.Context, id, personID string) (domain.Task, bool, error) {
	r.log().Debugw("ClaimOwner()", "taskID", id, "personID", personID)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, domain.Unavailable("begin claim", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET owner_person_id=?, updated_at=? WHERE id=? AND (owner_person_id IS NULL OR owner_person_id='')`,
		personID, r.stamp(), id)
	if err != nil {
		r.log().Errorw("Error claiming task", "taskID", id, "err", err)
		return domain.Task{}, false, domain.Unavailable("claim task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, false, domain.Unavailable("claim task", err)
	}
	t, err := getTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, false, err
	}
	if affected == 0 {
		if t.Owner() == personID {
			return t, false, nil
		}
		r.log().Warnw("Task already owned", "taskID", id, "owner", t.Owner(), "personID", personID)
		return t, false, fmt.Errorf("task %s owned by %s: %w", id, t.Owner(), domain.ErrAlreadyOwned)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, domain.Unavailable("commit claim", err)
	}
	return t, true, nil
}

// Delete removes a task row. Audit events referencing it are kept.
func (r Repo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return domain.Unavailable("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
