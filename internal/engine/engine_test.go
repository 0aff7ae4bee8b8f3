package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clubops/internal/config"
	"clubops/internal/db"
	"clubops/internal/directory"
	"clubops/internal/domain"
	"clubops/internal/engine"
	"clubops/internal/memstore"
	"clubops/internal/migrate"
)

const club = "riverside"

type deleter interface {
	Delete(ctx context.Context, id string) error
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	// Store is the raw store behind Engine.Tasks.
	Store interface {
		engine.TaskStore
		deleter
	}
}

func testDirectory() *directory.Static {
	cfg := config.Default(club)
	cfg.Roles["Kit"] = config.Role{Members: []string{"carol", "dave"}}
	cfg.Roles["Coach"] = config.Role{Members: []string{"bob"}}
	return directory.FromConfig(cfg)
}

func fixedNow() time.Time { return time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC) }

func newSQLiteEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	eng := engine.New(conn, testDirectory(), nil)
	eng.Now = fixedNow
	store := eng.Tasks.(interface {
		engine.TaskStore
		deleter
	})
	return testEnv{Engine: eng, Ctx: context.Background(), Store: store}
}

func newMemoryEnv(t *testing.T) testEnv {
	t.Helper()
	store := memstore.New()
	store.Now = fixedNow
	eng := engine.NewWithStores(store, store, testDirectory(), nil)
	eng.Now = fixedNow
	return testEnv{Engine: eng, Ctx: context.Background(), Store: store}
}

// forEachBackend runs fn against the SQLite and the in-memory stores.
func forEachBackend(t *testing.T, fn func(t *testing.T, env testEnv)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteEnv(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryEnv(t)) })
}

func mustCreate(t *testing.T, env testEnv, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ClubID == "" {
		opts.ClubID = club
	}
	if opts.ActorID == "" {
		opts.ActorID = "secretary"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	require.NoError(t, err)
	return task
}

func countEvents(t *testing.T, env testEnv, typ domain.EventType) int {
	t.Helper()
	evts, err := env.Engine.ListAuditEvents(env.Ctx, engine.AuditQuery{ClubID: club, Limit: 1000})
	require.NoError(t, err)
	n := 0
	for _, e := range evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestCreateAndListOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		mustCreate(t, env, engine.TaskCreateOptions{ID: "c", Label: "Corner flags", SortOrder: 2})
		mustCreate(t, env, engine.TaskCreateOptions{ID: "a", Label: "Book referee", SortOrder: 1})
		mustCreate(t, env, engine.TaskCreateOptions{ID: "b", Label: "Wash kit", SortOrder: 1})
		mustCreate(t, env, engine.TaskCreateOptions{ID: "x", ClubID: "other", Label: "Elsewhere"})

		tasks, err := env.Engine.ListTasks(env.Ctx, domain.TaskFilter{ClubID: club})
		require.NoError(t, err)
		ids := []string{}
		for _, task := range tasks {
			ids = append(ids, task.ID)
		}
		require.Equal(t, []string{"a", "b", "c"}, ids)
		require.Equal(t, 3, countEvents(t, env, domain.EventTaskCreated))

		_, err = env.Engine.ListTasks(env.Ctx, domain.TaskFilter{})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestCreateTaskValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ClubID: club, ActorID: "sec"})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
		_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ClubID: club, Label: "x", ActorID: "sec", OwnerID: "alice", BackupID: "alice"})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
		_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ClubID: club, Label: "x", ActorID: "sec", DueAt: "saturday"})
		var ire domain.InvalidRequestError
		require.ErrorAs(t, err, &ire)
		require.Equal(t, "due_at", ire.Field)
	})
}

func TestGetMissingTask(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		_, err := env.Engine.GetTask(env.Ctx, "nope")
		require.ErrorIs(t, err, domain.ErrNotFound)
		_, err = env.Engine.ClaimTask(env.Ctx, "nope", "carol")
		require.ErrorIs(t, err, domain.ErrNotFound)
		_, err = env.Engine.ToggleCompletion(env.Ctx, "nope", true, "carol")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReassignTask(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		task := mustCreate(t, env, engine.TaskCreateOptions{Label: "Kit bag", OwnerID: "alice", BackupID: "bob"})

		// backup stays when the owner changes to someone else
		updated, err := env.Engine.ReassignTask(env.Ctx, engine.ReassignOptions{TaskID: task.ID, OwnerID: domain.Ptr("erin"), ActorID: "sec"})
		require.NoError(t, err)
		require.Equal(t, "erin", updated.Owner())
		require.Equal(t, "bob", updated.Backup())

		// promoting the backup clears it
		updated, err = env.Engine.ReassignTask(env.Ctx, engine.ReassignOptions{TaskID: task.ID, OwnerID: domain.Ptr("bob"), ActorID: "sec"})
		require.NoError(t, err)
		require.Equal(t, "bob", updated.Owner())
		require.Nil(t, updated.BackupPersonID)

		_, err = env.Engine.ReassignTask(env.Ctx, engine.ReassignOptions{TaskID: task.ID, BackupID: domain.Ptr("bob"), ActorID: "sec"})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)

		_, err = env.Engine.ReassignTask(env.Ctx, engine.ReassignOptions{TaskID: task.ID, ActorID: "sec"})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)

		evts, err := env.Engine.ListAuditEvents(env.Ctx, engine.AuditQuery{TaskID: task.ID})
		require.NoError(t, err)
		require.Len(t, evts, 3)
		require.Equal(t, domain.EventTaskReassigned, evts[2].Type)
		require.Equal(t, "erin", evts[2].Payload["from"])
		require.Equal(t, "bob", evts[2].Payload["to"])
	})
}

func TestToggleCompletion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		task := mustCreate(t, env, engine.TaskCreateOptions{Label: "Nets", OwnerID: "alice"})

		done, err := env.Engine.ToggleCompletion(env.Ctx, task.ID, true, "alice")
		require.NoError(t, err)
		require.True(t, done.IsCompleted)
		require.Equal(t, "alice", *done.CompletedBy)
		require.Equal(t, "2024-03-09T14:00:00Z", *done.CompletedAt)

		again, err := env.Engine.ToggleCompletion(env.Ctx, task.ID, true, "alice")
		require.NoError(t, err)
		require.True(t, again.IsCompleted)
		require.Equal(t, 1, countEvents(t, env, domain.EventTaskCompleted))

		reopened, err := env.Engine.ToggleCompletion(env.Ctx, task.ID, false, "bob")
		require.NoError(t, err)
		require.False(t, reopened.IsCompleted)
		require.Nil(t, reopened.CompletedBy)
		require.Nil(t, reopened.CompletedAt)
		require.Equal(t, 1, countEvents(t, env, domain.EventTaskReopened))
	})
}

func TestAuditQueries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		a := mustCreate(t, env, engine.TaskCreateOptions{Label: "A", FixtureID: "F1", OwnerID: "alice"})
		mustCreate(t, env, engine.TaskCreateOptions{Label: "B", FixtureID: "F2", OwnerID: "alice"})
		_, err := env.Engine.ToggleCompletion(env.Ctx, a.ID, true, "alice")
		require.NoError(t, err)

		evts, err := env.Engine.ListAuditEvents(env.Ctx, engine.AuditQuery{FixtureID: "F1"})
		require.NoError(t, err)
		require.Len(t, evts, 2)
		require.Equal(t, domain.EventTaskCreated, evts[0].Type)
		require.Equal(t, domain.EventTaskCompleted, evts[1].Type)
		require.Less(t, evts[0].Seq, evts[1].Seq)

		_, err = env.Engine.ListAuditEvents(env.Ctx, engine.AuditQuery{FixtureID: "F1", TaskID: a.ID})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
		_, err = env.Engine.ListAuditEvents(env.Ctx, engine.AuditQuery{})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)

		latest, err := env.Engine.ListAuditEvents(env.Ctx, engine.AuditQuery{ClubID: club, Limit: 1})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		require.Equal(t, domain.EventTaskCompleted, latest[0].Type)
	})
}

func TestEffectiveOwnerAndClaimable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env testEnv) {
		d := mustCreate(t, env, engine.TaskCreateOptions{Label: "Kit wash", OwnerRole: "Kit"})
		mustCreate(t, env, engine.TaskCreateOptions{Label: "Orphan role", OwnerRole: "Groundskeeper"})
		mustCreate(t, env, engine.TaskCreateOptions{Label: "Owned", OwnerRole: "Kit", OwnerID: "dave"})

		o, err := env.Engine.EffectiveOwner(env.Ctx, d)
		require.NoError(t, err)
		require.Equal(t, "role_claimable", o.Kind.String())
		require.Equal(t, "Kit", o.Role)

		claimable, err := env.Engine.ClaimableTasks(env.Ctx, club, "carol")
		require.NoError(t, err)
		require.Len(t, claimable, 1)
		require.Equal(t, d.ID, claimable[0].ID)

		none, err := env.Engine.ClaimableTasks(env.Ctx, club, "stranger")
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestStorageFailureIsReported(t *testing.T) {
	env := newMemoryEnv(t)
	env.Engine.Tasks = failingStore{TaskStore: env.Store, err: domain.Unavailable("list tasks", errors.New("disk gone"))}
	_, err := env.Engine.ListTasks(env.Ctx, domain.TaskFilter{ClubID: club})
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

type failingStore struct {
	engine.TaskStore
	err error
}

func (f failingStore) List(context.Context, domain.TaskFilter) ([]domain.Task, error) {
	return nil, f.err
}

func TestConcurrentSQLiteWritersSerialize(t *testing.T) {
	env := newSQLiteEnv(t)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ClubID: club, Label: "parallel", ActorID: "sec"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, domain.TaskFilter{ClubID: club})
	require.NoError(t, err)
	require.Len(t, tasks, 20)
}
