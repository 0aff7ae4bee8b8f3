package clubopssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal club operations HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the server's configured API prefix, "/v0" by default.
	BasePath    string
	ClubID      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers
	// only honour it when allow_actor_header is on.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, clubID string) *Client {
	timeout := 10 * time.Second
	return &Client{
		BaseURL:    baseURL,
		BasePath:   "/v0",
		ClubID:     clubID,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// Ownership is the effective owner of a task.
type Ownership struct {
	Kind     string `json:"kind"`
	PersonID string `json:"person_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID             string     `json:"id"`
	ClubID         string     `json:"club_id"`
	FixtureID      *string    `json:"fixture_id,omitempty"`
	TemplatePackID *string    `json:"template_pack_id,omitempty"`
	Label          string     `json:"label"`
	SortOrder      int        `json:"sort_order"`
	IsCompleted    bool       `json:"is_completed"`
	CompletedBy    *string    `json:"completed_by,omitempty"`
	CompletedAt    *string    `json:"completed_at,omitempty"`
	OwnerPersonID  *string    `json:"owner_person_id,omitempty"`
	BackupPersonID *string    `json:"backup_person_id,omitempty"`
	OwnerRole      *string    `json:"owner_role,omitempty"`
	DueAt          *string    `json:"due_at,omitempty"`
	Ownership      *Ownership `json:"ownership,omitempty"`
	CreatedAt      string     `json:"created_at"`
	UpdatedAt      string     `json:"updated_at"`
}

// NewTask is the body of CreateTask.
type NewTask struct {
	ID             string `json:"id,omitempty"`
	FixtureID      string `json:"fixture_id,omitempty"`
	TemplatePackID string `json:"template_pack_id,omitempty"`
	Label          string `json:"label"`
	SortOrder      int    `json:"sort_order,omitempty"`
	OwnerPersonID  string `json:"owner_person_id,omitempty"`
	BackupPersonID string `json:"backup_person_id,omitempty"`
	OwnerRole      string `json:"owner_role,omitempty"`
	DueAt          string `json:"due_at,omitempty"`
}

// TaskQuery filters ListTasks.
type TaskQuery struct {
	FixtureID      string
	TemplatePackID string
	OwnerID        string
	IncompleteOnly bool
}

// Handover describes a bulk reassignment.
type Handover struct {
	FromPersonID   string `json:"from_person_id"`
	Scope          string `json:"scope"`
	FixtureID      string `json:"fixture_id,omitempty"`
	TemplatePackID string `json:"template_pack_id,omitempty"`
	Target         string `json:"target"`
	ToPersonID     string `json:"to_person_id,omitempty"`
	ToRole         string `json:"to_role,omitempty"`
}

// HandoverResult reports how a handover went.
type HandoverResult struct {
	Success       bool     `json:"success"`
	TasksAffected int      `json:"tasks_affected"`
	Errors        []string `json:"errors"`
}

// Event represents an audit entry.
type Event struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	ClubID    string         `json:"club_id"`
	FixtureID *string        `json:"fixture_id,omitempty"`
	TaskID    *string        `json:"task_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListTasks returns the club's tasks in list order.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	params := url.Values{}
	if q.FixtureID != "" {
		params.Set("fixture_id", q.FixtureID)
	}
	if q.TemplatePackID != "" {
		params.Set("template_pack_id", q.TemplatePackID)
	}
	if q.OwnerID != "" {
		params.Set("owner_id", q.OwnerID)
	}
	if q.IncompleteOnly {
		params.Set("incomplete", "true")
	}
	endpoint := c.clubPath("tasks")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.clubPath("tasks"), t, &resp)
	return resp, err
}

// GetTask fetches a task with its effective owner.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(id, ""), nil, &resp)
	return resp, err
}

// Claim takes a role task as the authenticated person.
func (c *Client) Claim(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "claim"), nil, &resp)
	return resp, err
}

// Unassign clears the explicit owner.
func (c *Client) Unassign(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "unassign"), nil, &resp)
	return resp, err
}

// Reassign sets owner and/or backup. Nil leaves a field alone, "" clears it.
func (c *Client) Reassign(ctx context.Context, id string, owner, backup *string) (Task, error) {
	body := map[string]any{}
	if owner != nil {
		body["owner_person_id"] = *owner
	}
	if backup != nil {
		body["backup_person_id"] = *backup
	}
	var resp Task
	err := c.do(ctx, http.MethodPatch, c.taskPath(id, "assignment"), body, &resp)
	return resp, err
}

// SetCompleted completes or reopens a task.
func (c *Client) SetCompleted(ctx context.Context, id string, completed bool) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "completion"), map[string]any{"completed": completed}, &resp)
	return resp, err
}

// Claimable lists the tasks personID may claim.
func (c *Client) Claimable(ctx context.Context, personID string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	endpoint := c.clubPath(fmt.Sprintf("people/%s/claimable", url.PathEscape(personID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PreviewHandover counts the tasks h would move.
func (c *Client) PreviewHandover(ctx context.Context, h Handover) (HandoverResult, error) {
	var resp HandoverResult
	err := c.do(ctx, http.MethodPost, c.clubPath("handovers/preview"), h, &resp)
	return resp, err
}

// ExecuteHandover moves the tasks.
func (c *Client) ExecuteHandover(ctx context.Context, h Handover) (HandoverResult, error) {
	var resp HandoverResult
	err := c.do(ctx, http.MethodPost, c.clubPath("handovers"), h, &resp)
	return resp, err
}

// Audit lists events of a fixture or a task; with neither it returns the
// latest limit events of the club.
func (c *Client) Audit(ctx context.Context, fixtureID, taskID string, limit int) ([]Event, error) {
	params := url.Values{}
	if fixtureID != "" {
		params.Set("fixture_id", fixtureID)
	}
	if taskID != "" {
		params.Set("task_id", taskID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := c.clubPath("audit")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) clubPath(p string) string {
	club := url.PathEscape(c.ClubID)
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		prefix += "/"
	}
	return fmt.Sprintf("%sclubs/%s/%s", prefix, club, strings.TrimLeft(p, "/"))
}

func (c *Client) taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return c.clubPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
