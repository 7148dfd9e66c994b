package marketlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Marketline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type User struct {
	ID                     string   `json:"id"`
	DisplayName            string   `json:"display_name"`
	LedgerAccount          string   `json:"ledger_account"`
	Banned                 bool     `json:"banned"`
	BlockedUserIDs         []string `json:"blocked_user_ids"`
	MinTaskPrice           int64    `json:"min_task_price"`
	MinTaskDurationSeconds int64    `json:"min_task_duration_seconds"`
	CreatedAt              string   `json:"created_at"`
}

type Task struct {
	ID                          string  `json:"id"`
	Status                      string  `json:"status"`
	Description                 string  `json:"description"`
	MinPrice                    int64   `json:"min_price"`
	MaxPrice                    int64   `json:"max_price"`
	RequestedBy                 string  `json:"requested_by"`
	ExecutedBy                  *string `json:"executed_by,omitempty"`
	AmountEscrowed              int64   `json:"amount_escrowed"`
	AmountPaid                  int64   `json:"amount_paid"`
	MatchExpirationSeconds      int64   `json:"match_expiration_seconds"`
	CompletionExpirationSeconds int64   `json:"completion_expiration_seconds"`
	SubmittedAt                 string  `json:"submitted_at"`
	AcceptedAt                  *string `json:"accepted_at,omitempty"`
	CompletedAt                 *string `json:"completed_at,omitempty"`
	CanceledAt                  *string `json:"canceled_at,omitempty"`
}

type Message struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	SenderID  string  `json:"sender_id"`
	Seq       int64   `json:"seq"`
	Text      *string `json:"text,omitempty"`
	ImageRef  *string `json:"image_ref,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	Secret    string `json:"secret,omitempty"`
}

// TaskSpec describes a task to post. Zero expirations use server defaults.
type TaskSpec struct {
	Description          string
	MinPrice             int64
	MaxPrice             int64
	MatchExpiration      time.Duration
	CompletionExpiration time.Duration
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Status      string
	RequestedBy string
	ExecutedBy  string
	Skip        int
	Limit       int
}

// ProfileUpdate changes only the non-nil fields.
type ProfileUpdate struct {
	DisplayName     *string        `json:"display_name,omitempty"`
	MinTaskPrice    *int64         `json:"min_task_price,omitempty"`
	MinTaskDuration *time.Duration `json:"-"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Register enrolls the authenticated principal. The server binds its ledger
// account to the principal id.
func (c *Client) Register(ctx context.Context, displayName string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "users", map[string]any{
		"display_name": displayName,
	}, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (User, error) {
	body := struct {
		ProfileUpdate
		MinTaskDurationSeconds *int64 `json:"min_task_duration_seconds,omitempty"`
	}{ProfileUpdate: upd}
	if upd.MinTaskDuration != nil {
		secs := int64(*upd.MinTaskDuration / time.Second)
		body.MinTaskDurationSeconds = &secs
	}
	var resp User
	err := c.do(ctx, http.MethodPatch, "me", body, &resp)
	return resp, err
}

func (c *Client) Block(ctx context.Context, userID string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPost, "me/blocks", map[string]any{"user_id": userID}, &resp)
	return resp, err
}

func (c *Client) Unblock(ctx context.Context, userID string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodDelete, "me/blocks/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

// CreateAPIKey issues a key; Secret is only set on this response.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "me/api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, spec TaskSpec) (Task, error) {
	body := map[string]any{
		"description":                   spec.Description,
		"min_price":                     spec.MinPrice,
		"max_price":                     spec.MaxPrice,
		"match_expiration_seconds":      int64(spec.MatchExpiration / time.Second),
		"completion_expiration_seconds": int64(spec.CompletionExpiration / time.Second),
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	q := url.Values{}
	for k, v := range map[string]string{"status": opts.Status, "requested_by": opts.RequestedBy, "executed_by": opts.ExecutedBy} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if opts.Skip > 0 {
		q.Set("skip", strconv.Itoa(opts.Skip))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, id string) (Task, error) {
	return c.transition(ctx, id, "accept")
}

func (c *Client) Cancel(ctx context.Context, id string) (Task, error) {
	return c.transition(ctx, id, "cancel")
}

func (c *Client) Complete(ctx context.Context, id string) (Task, error) {
	return c.transition(ctx, id, "complete")
}

func (c *Client) transition(ctx context.Context, id, verb string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, verb), nil, &resp)
	return resp, err
}

func (c *Client) SendText(ctx context.Context, taskID, text string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "messages"), map[string]any{"text": text}, &resp)
	return resp, err
}

func (c *Client) SendImage(ctx context.Context, taskID string, image []byte) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "messages"), map[string]any{"image": image}, &resp)
	return resp, err
}

// Messages returns messages[start:end]; a nil end reads to the last one.
func (c *Client) Messages(ctx context.Context, taskID string, start int, end *int) ([]Message, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(start))
	if end != nil {
		q.Set("end", strconv.Itoa(*end))
	}
	var resp struct {
		Items []Message `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(taskPath(taskID, "messages"), q), nil, &resp)
	return resp.Items, err
}

// Image downloads an image attached to a message.
func (c *Client) Image(ctx context.Context, taskID, ref string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "images/"+url.PathEscape(ref)), nil, &buf)
	return buf.Bytes(), err
}

func (c *Client) TaskEvents(ctx context.Context, taskID string, afterID int64) ([]Event, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(taskPath(taskID, "events"), q), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func taskPath(id, sub string) string {
	p := "tasks/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
