package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"taskline/app/pkg/clock"
)

var (
	// ErrTransport marks any failure reaching the remote store. Callers
	// surface it as a generic "try later" reply.
	ErrTransport = errors.New("store: transport failure")
	// ErrNotFound marks a reference to a missing task or index.
	ErrNotFound = errors.New("store: not found")
)

// Client exposes typed operations over the hierarchical key space rooted at
// users/<user_id>/. Every operation is a single read or single write of one
// branch; there is no multi-key transactionality.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  oauth2.TokenSource
	now     func() time.Time
}

type Option func(*Client)

// WithTokenSource attaches an OAuth token source; each request then carries
// an access_token query parameter.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     clock.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTokenSource builds a token source from a service-account credentials
// file for the realtime-database scope.
func NewTokenSource(ctx context.Context, credentialsPath string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("store: read credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(data,
		"https://www.googleapis.com/auth/firebase.database",
		"https://www.googleapis.com/auth/userinfo.email",
	)
	if err != nil {
		return nil, fmt.Errorf("store: parse credentials: %w", err)
	}
	return conf.TokenSource(ctx), nil
}

// --- tasks ---

func (c *Client) GetTasks(ctx context.Context, userID string) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, userPath(userID, "tasks"), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) SaveTasks(ctx context.Context, userID string, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	return c.put(ctx, userPath(userID, "tasks"), tasks)
}

// AppendTask appends one task and stamps today as the user's last task
// creation date.
func (c *Client) AppendTask(ctx context.Context, userID string, t Task) error {
	tasks, err := c.GetTasks(ctx, userID)
	if err != nil {
		return err
	}
	if err := c.SaveTasks(ctx, userID, append(tasks, t)); err != nil {
		return err
	}
	return c.put(ctx, userPath(userID, "last_add_task_date"), c.today())
}

// MarkDone sets done=true on the task at idx and returns it.
func (c *Client) MarkDone(ctx context.Context, userID string, idx int) (Task, error) {
	tasks, err := c.GetTasks(ctx, userID)
	if err != nil {
		return Task{}, err
	}
	if idx < 0 || idx >= len(tasks) {
		return Task{}, fmt.Errorf("%w: task index %d", ErrNotFound, idx)
	}
	tasks[idx].Done = true
	if err := c.SaveTasks(ctx, userID, tasks); err != nil {
		return Task{}, err
	}
	return tasks[idx], nil
}

// RemoveTask deletes the task at idx and returns the removed entry.
func (c *Client) RemoveTask(ctx context.Context, userID string, idx int) (Task, error) {
	tasks, err := c.GetTasks(ctx, userID)
	if err != nil {
		return Task{}, err
	}
	if idx < 0 || idx >= len(tasks) {
		return Task{}, fmt.Errorf("%w: task index %d", ErrNotFound, idx)
	}
	removed := tasks[idx]
	tasks = append(tasks[:idx], tasks[idx+1:]...)
	if err := c.SaveTasks(ctx, userID, tasks); err != nil {
		return Task{}, err
	}
	return removed, nil
}

// ClearCompleted removes every done task in a single write and reports how
// many were removed.
func (c *Client) ClearCompleted(ctx context.Context, userID string) (int, error) {
	return c.clearMatching(ctx, userID, func(t Task) bool { return t.Done })
}

// ClearExpired removes every undone task whose due date is strictly before
// today. Tasks without a due date are never expired.
func (c *Client) ClearExpired(ctx context.Context, userID string, today string) (int, error) {
	return c.clearMatching(ctx, userID, func(t Task) bool {
		return !t.Done && t.Due != "" && t.Due < today
	})
}

func (c *Client) clearMatching(ctx context.Context, userID string, match func(Task) bool) (int, error) {
	tasks, err := c.GetTasks(ctx, userID)
	if err != nil {
		return 0, err
	}
	kept := make([]Task, 0, len(tasks))
	removed := 0
	for _, t := range tasks {
		if match(t) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := c.SaveTasks(ctx, userID, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// --- batch completion ---

// ToggleBatchSelection flips membership of idx in the user's selection set
// and returns the new membership state and set size.
func (c *Client) ToggleBatchSelection(ctx context.Context, userID string, idx int) (bool, int, error) {
	var selection []int
	if err := c.get(ctx, userPath(userID, "batch_selection"), &selection); err != nil {
		return false, 0, err
	}
	pos := -1
	for i, v := range selection {
		if v == idx {
			pos = i
			break
		}
	}
	selected := pos < 0
	if selected {
		selection = append(selection, idx)
		sort.Ints(selection)
	} else {
		selection = append(selection[:pos], selection[pos+1:]...)
	}
	if err := c.put(ctx, userPath(userID, "batch_selection"), selection); err != nil {
		return false, 0, err
	}
	return selected, len(selection), nil
}

func (c *Client) GetBatchSelection(ctx context.Context, userID string) ([]int, error) {
	var selection []int
	if err := c.get(ctx, userPath(userID, "batch_selection"), &selection); err != nil {
		return nil, err
	}
	return selection, nil
}

func (c *Client) ClearBatchSelection(ctx context.Context, userID string) error {
	return c.del(ctx, userPath(userID, "batch_selection"))
}

// BatchComplete marks every currently-undone task at a valid index in
// indices as done, stamps completed_at, clears the selection set and
// returns the count of newly completed tasks. Stale indices are skipped.
func (c *Client) BatchComplete(ctx context.Context, userID string, indices []int) (int, error) {
	tasks, err := c.GetTasks(ctx, userID)
	if err != nil {
		return 0, err
	}
	completedAt := c.now().Format(clock.DateTimeLayout)
	count := 0
	for _, idx := range indices {
		if idx < 0 || idx >= len(tasks) || tasks[idx].Done {
			continue
		}
		tasks[idx].Done = true
		tasks[idx].CompletedAt = completedAt
		count++
	}
	if count > 0 {
		if err := c.SaveTasks(ctx, userID, tasks); err != nil {
			return 0, err
		}
	}
	if err := c.ClearBatchSelection(ctx, userID); err != nil {
		return 0, err
	}
	return count, nil
}

// CountCompletedSince reports how many tasks were completed at or after
// since (a YYYY-MM-DD date), alongside the current task total.
func (c *Client) CountCompletedSince(ctx context.Context, userID string, since string) (int, int, error) {
	tasks, err := c.GetTasks(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	completed := 0
	for _, t := range tasks {
		if t.Done && t.CompletedAt != "" && t.CompletedAt >= since {
			completed++
		}
	}
	return completed, len(tasks), nil
}

// --- dialogue state ---

func (c *Client) GetState(ctx context.Context, userID string) (DialogueState, error) {
	var state string
	if err := c.get(ctx, userPath(userID, "state"), &state); err != nil {
		return StateNone, err
	}
	return DialogueState(state), nil
}

func (c *Client) SaveState(ctx context.Context, userID string, state DialogueState) error {
	return c.put(ctx, userPath(userID, "state"), string(state))
}

func (c *Client) ClearState(ctx context.Context, userID string) error {
	return c.del(ctx, userPath(userID, "state"))
}

func (c *Client) GetTempTask(ctx context.Context, userID string) (TempTask, error) {
	var temp TempTask
	if err := c.get(ctx, userPath(userID, "temp_task"), &temp); err != nil {
		return TempTask{}, err
	}
	return temp, nil
}

func (c *Client) SaveTempTask(ctx context.Context, userID string, temp TempTask) error {
	return c.put(ctx, userPath(userID, "temp_task"), temp)
}

func (c *Client) ClearTempTask(ctx context.Context, userID string) error {
	return c.del(ctx, userPath(userID, "temp_task"))
}

// --- history ---

func (c *Client) GetHistory(ctx context.Context, userID string) (History, error) {
	var h History
	if err := c.get(ctx, userPath(userID, "task_history"), &h); err != nil {
		return History{}, err
	}
	return h, nil
}

// UpdateTaskHistory appends the confirmed task's name, category and hour
// count into the recent-choice sequences. Values already present are not
// re-appended; each sequence keeps at most the 10 most recent entries.
func (c *Client) UpdateTaskHistory(ctx context.Context, userID, name, category string, hours float64) error {
	h, err := c.GetHistory(ctx, userID)
	if err != nil {
		return err
	}
	h.Names = appendCapped(h.Names, name)
	h.Types = appendCapped(h.Types, category)
	h.Times = appendCapped(h.Times, FormatHours(hours))
	return c.put(ctx, userPath(userID, "task_history"), h)
}

// --- reminder preferences ---

func (c *Client) GetRemindTime(ctx context.Context, userID string) (string, error) {
	return c.getStringDefault(ctx, userPath(userID, "remind_time"), DefaultRemindTime)
}

func (c *Client) GetAddTaskRemindTime(ctx context.Context, userID string) (string, error) {
	return c.getStringDefault(ctx, userPath(userID, "add_task_remind_time"), DefaultAddTaskRemindTime)
}

// SaveRemindTime stores the unfinished-task reminder time. If today's
// reminder already fired but the new time is still ahead of the current
// wall clock, the idempotency marker is cleared so the new setting can
// fire today.
func (c *Client) SaveRemindTime(ctx context.Context, userID, t string) error {
	if err := c.put(ctx, userPath(userID, "remind_time"), t); err != nil {
		return err
	}
	return c.reopenTodayMarker(ctx, userID, "last_task_remind_date", t)
}

func (c *Client) SaveAddTaskRemindTime(ctx context.Context, userID, t string) error {
	if err := c.put(ctx, userPath(userID, "add_task_remind_time"), t); err != nil {
		return err
	}
	return c.reopenTodayMarker(ctx, userID, "last_add_task_remind_date", t)
}

func (c *Client) reopenTodayMarker(ctx context.Context, userID, branch, newTime string) error {
	marker, err := c.getString(ctx, userPath(userID, branch))
	if err != nil {
		return err
	}
	if marker == c.today() && newTime > c.now().Format(clock.MinuteLayout) {
		return c.del(ctx, userPath(userID, branch))
	}
	return nil
}

func (c *Client) GetTaskRemindEnabled(ctx context.Context, userID string) (bool, error) {
	return c.getBoolDefault(ctx, userPath(userID, "task_remind_enabled"), true)
}

func (c *Client) GetAddTaskRemindEnabled(ctx context.Context, userID string) (bool, error) {
	return c.getBoolDefault(ctx, userPath(userID, "add_task_remind_enabled"), true)
}

func (c *Client) SaveTaskRemindEnabled(ctx context.Context, userID string, enabled bool) error {
	return c.put(ctx, userPath(userID, "task_remind_enabled"), enabled)
}

func (c *Client) SaveAddTaskRemindEnabled(ctx context.Context, userID string, enabled bool) error {
	return c.put(ctx, userPath(userID, "add_task_remind_enabled"), enabled)
}

// --- idempotency markers ---

func (c *Client) GetLastTaskRemindDate(ctx context.Context, userID string) (string, error) {
	return c.getString(ctx, userPath(userID, "last_task_remind_date"))
}

func (c *Client) SetLastTaskRemindDate(ctx context.Context, userID, date string) error {
	return c.put(ctx, userPath(userID, "last_task_remind_date"), date)
}

func (c *Client) GetLastAddTaskRemindDate(ctx context.Context, userID string) (string, error) {
	return c.getString(ctx, userPath(userID, "last_add_task_remind_date"))
}

func (c *Client) SetLastAddTaskRemindDate(ctx context.Context, userID, date string) error {
	return c.put(ctx, userPath(userID, "last_add_task_remind_date"), date)
}

func (c *Client) GetLastAddTaskDate(ctx context.Context, userID string) (string, error) {
	return c.getString(ctx, userPath(userID, "last_add_task_date"))
}

// --- users ---

// ListUsers returns every known user id via a shallow read of the users
// branch.
func (c *Client) ListUsers(ctx context.Context) ([]string, error) {
	raw, err := c.getRaw(ctx, "users", url.Values{"shallow": {"true"}})
	if err != nil {
		return nil, err
	}
	var users []string
	gjson.ParseBytes(raw).ForEach(func(key, _ gjson.Result) bool {
		users = append(users, key.String())
		return true
	})
	sort.Strings(users)
	return users, nil
}

// TouchMeta records the user's last activity date.
func (c *Client) TouchMeta(ctx context.Context, userID string) error {
	return c.put(ctx, userPath(userID, "meta", "last_active"), c.today())
}

// --- transport ---

func userPath(userID string, branch ...string) string {
	parts := append([]string{"users", userID}, branch...)
	return strings.Join(parts, "/")
}

func (c *Client) today() string {
	return c.now().Format(clock.DateLayout)
}

func (c *Client) getString(ctx context.Context, path string) (string, error) {
	var s string
	if err := c.get(ctx, path, &s); err != nil {
		return "", err
	}
	return s, nil
}

func (c *Client) getStringDefault(ctx context.Context, path, def string) (string, error) {
	s, err := c.getString(ctx, path)
	if err != nil {
		return "", err
	}
	if s == "" {
		if err := c.put(ctx, path, def); err != nil {
			return "", err
		}
		return def, nil
	}
	return s, nil
}

func (c *Client) getBoolDefault(ctx context.Context, path string, def bool) (bool, error) {
	raw, err := c.getRaw(ctx, path, nil)
	if err != nil {
		return false, err
	}
	if isNull(raw) {
		if err := c.put(ctx, path, def); err != nil {
			return false, err
		}
		return def, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrTransport, path, err)
	}
	return b, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	raw, err := c.getRaw(ctx, path, nil)
	if err != nil {
		return err
	}
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransport, path, err)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.call(ctx, http.MethodGet, path, query, nil)
}

func (c *Client) put(ctx context.Context, path string, val interface{}) error {
	body, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrTransport, path, err)
	}
	_, err = c.call(ctx, http.MethodPut, path, nil, body)
	return err
}

func (c *Client) del(ctx context.Context, path string) error {
	_, err := c.call(ctx, http.MethodDelete, path, nil, nil)
	return err
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	endpoint := c.baseURL + "/" + path + ".json"
	if query == nil {
		query = url.Values{}
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: token: %v", ErrTransport, err)
		}
		query.Set("access_token", tok.AccessToken)
	}
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTransport, path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s status=%d body=%s", ErrTransport, method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func isNull(raw []byte) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
