package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clubops/internal/config"
	"clubops/internal/db"
	"clubops/internal/directory"
	"clubops/internal/domain"
	"clubops/internal/engine"
	"clubops/internal/migrate"
	clubopssdk "clubops/sdk/go"
)

const (
	testClub   = "riverside"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// sdk returns a client acting as actorID through the X-Actor-Id header.
func (s *testServer) sdk(actorID string) *clubopssdk.Client {
	c := clubopssdk.New(s.URL, testClub)
	c.ActorID = actorID
	return c
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testClub)
	cfg.Roles["Kit"] = config.Role{Members: []string{"carol", "dave"}}
	e := engine.New(conn, directory.FromConfig(cfg), nil)
	handler, err := New(Config{
		Engine:   e,
		ClubID:   testClub,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func apiErrorOf(t *testing.T, err error) *clubopssdk.APIError {
	t.Helper()
	var apiErr *clubopssdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	return apiErr
}

func TestRoleClaimOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	created, err := srv.sdk("secretary").CreateTask(ctx, clubopssdk.NewTask{ID: "D", Label: "Wash away kit", OwnerRole: "Kit"})
	require.NoError(t, err)
	require.Equal(t, "D", created.ID)

	fetched, err := srv.sdk("secretary").GetTask(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, "role_claimable", fetched.Ownership.Kind)

	claimed, err := srv.sdk("carol").Claim(ctx, "D")
	require.NoError(t, err)
	require.Equal(t, "carol", *claimed.OwnerPersonID)

	_, err = srv.sdk("dave").Claim(ctx, "D")
	apiErr := apiErrorOf(t, err)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "already_owned", apiErr.Code)

	_, err = srv.sdk("secretary").CreateTask(ctx, clubopssdk.NewTask{ID: "K", Label: "Pump balls", OwnerRole: "Kit"})
	require.NoError(t, err)
	_, err = srv.sdk("bob").Claim(ctx, "K")
	apiErr = apiErrorOf(t, err)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "not_claimable", apiErr.Code)

	claimable, err := srv.sdk("dave").Claimable(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	require.Equal(t, "K", claimable[0].ID)

	events, err := srv.sdk("secretary").Audit(ctx, "", "D", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "task.claimed", events[1].Type)
	require.Equal(t, "carol", events[1].ActorID)
}

func TestHandoverOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	sec := srv.sdk("secretary")

	for _, nt := range []clubopssdk.NewTask{
		{ID: "A", Label: "Book ref", FixtureID: "F1", OwnerPersonID: "alice"},
		{ID: "B", Label: "Line flags", FixtureID: "F1", OwnerPersonID: "alice", SortOrder: 1},
		{ID: "C", Label: "Oranges", FixtureID: "F2", OwnerPersonID: "alice"},
	} {
		_, err := sec.CreateTask(ctx, nt)
		require.NoError(t, err)
	}
	h := clubopssdk.Handover{FromPersonID: "alice", Scope: "fixture", FixtureID: "F1", Target: "person", ToPersonID: "bob"}

	preview, err := sec.PreviewHandover(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 2, preview.TasksAffected)
	require.True(t, preview.Success)

	res, err := sec.ExecuteHandover(ctx, h)
	require.NoError(t, err)
	require.Equal(t, clubopssdk.HandoverResult{Success: true, TasksAffected: 2, Errors: []string{}}, res)

	bobs, err := sec.ListTasks(ctx, clubopssdk.TaskQuery{OwnerID: "bob"})
	require.NoError(t, err)
	require.Len(t, bobs, 2)
	require.Equal(t, "A", bobs[0].ID)

	fixture, err := sec.Audit(ctx, "F1", "", 0)
	require.NoError(t, err)
	handovers := 0
	for _, e := range fixture {
		if e.Type == "handover.executed" {
			handovers++
			require.Equal(t, "secretary", e.ActorID)
		}
	}
	require.Equal(t, 2, handovers)

	done, err := sec.SetCompleted(ctx, "C", true)
	require.NoError(t, err)
	require.True(t, done.IsCompleted)
	require.Equal(t, "secretary", *done.CompletedBy)

	again, err := sec.ExecuteHandover(ctx, clubopssdk.Handover{FromPersonID: "alice", Scope: "all", Target: "role", ToRole: "Kit"})
	require.NoError(t, err)
	require.Zero(t, again.TasksAffected, "completed tasks are not handed over")
}

func TestInvalidRequestsAreBadRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	sec := srv.sdk("secretary")

	_, err := sec.PreviewHandover(ctx, clubopssdk.Handover{FromPersonID: "alice", Scope: "all", Target: "person", ToPersonID: "alice"})
	apiErr := apiErrorOf(t, err)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Contains(t, apiErr.Body, "to_person_id")

	_, err = sec.ExecuteHandover(ctx, clubopssdk.Handover{FromPersonID: "alice", Scope: "pack", Target: "backup"})
	require.Equal(t, http.StatusBadRequest, apiErrorOf(t, err).StatusCode)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/clubs/riverside/handovers/preview", map[string]any{
		"from_person_id": "alice",
		"scope":          "season",
		"target":         "person",
	}, map[string]string{"X-Actor-Id": "secretary"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	_, err = sec.CreateTask(ctx, clubopssdk.NewTask{Label: "Due", DueAt: "next saturday"})
	require.Equal(t, http.StatusBadRequest, apiErrorOf(t, err).StatusCode)

	_, err = sec.Reassign(ctx, "missing", nil, nil)
	require.Equal(t, http.StatusNotFound, apiErrorOf(t, err).StatusCode)
}

func TestClubScoping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	_, err := srv.sdk("secretary").CreateTask(ctx, clubopssdk.NewTask{ID: "A", Label: "Book ref"})
	require.NoError(t, err)

	other := clubopssdk.New(srv.URL, "elsewhere")
	other.ActorID = "secretary"
	_, err = other.GetTask(ctx, "A")
	require.Equal(t, http.StatusNotFound, apiErrorOf(t, err).StatusCode)
	_, err = other.ListTasks(ctx, clubopssdk.TaskQuery{})
	require.Equal(t, http.StatusNotFound, apiErrorOf(t, err).StatusCode)
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/clubs/riverside/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Contains(t, string(body), `"code":"unauthorized"`)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/clubs/riverside/tasks", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	forged, err := IssueToken("wrong-secret", "carol", time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/clubs/riverside/tasks", nil, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken(testSecret, "carol", time.Hour)
	require.NoError(t, err)
	c := clubopssdk.New(srv.URL, testClub)
	c.BearerToken = token
	created, err := c.CreateTask(context.Background(), clubopssdk.NewTask{Label: "Nets", OwnerRole: "Kit"})
	require.NoError(t, err)
	claimed, err := c.Claim(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "carol", *claimed.OwnerPersonID, "the token subject is the actor")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clubs/riverside/tasks", nil, map[string]string{"X-Actor-Id": "secretary"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, strings.Contains(string(body), "clubops_http_requests_total"))
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", domain.Invalid("scope", "unknown"), http.StatusBadRequest, "bad_request"},
		{"not found", fmt.Errorf("task X: %w", domain.ErrNotFound), http.StatusNotFound, "not_found"},
		{"owned", domain.ErrAlreadyOwned, http.StatusConflict, "already_owned"},
		{"not claimable", domain.ErrNotClaimable, http.StatusConflict, "not_claimable"},
		{"storage", domain.Unavailable("list tasks", errors.New("locked")), http.StatusServiceUnavailable, "storage_unavailable"},
		{"canceled", domain.Unavailable("list tasks", context.Canceled), http.StatusServiceUnavailable, "canceled"},
		{"deadline", domain.Unavailable("list tasks", context.DeadlineExceeded), http.StatusServiceUnavailable, "canceled"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			se := handleError(tc.err)
			require.Equal(t, tc.status, se.GetStatus())
			ae, ok := se.(*apiError)
			require.True(t, ok)
			require.Equal(t, tc.code, ae.Body.Code)
		})
	}
}

func TestOpenAPIAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var wg sync.WaitGroup
	bodies := make([][]byte, 4)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		require.NotEmpty(t, b)
		require.Equal(t, string(bodies[0]), string(b))
	}
	var doc map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	require.Contains(t, string(bodies[0]), "clubs/{club_id}/tasks")
	require.Contains(t, string(bodies[0]), "bearerAuth")

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "text/html")
	require.Contains(t, string(body), "/v0/openapi.json")
}
