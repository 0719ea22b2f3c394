// Package qserver is a client for the Bluesky queue server HTTP API.
//
// The client is the pipeline's dispatcher (Submit), the live device
// directory (Devices) and the backend of the queue management commands.
// Every transport or server-side failure is returned as an
// ir.PipelineError with code DOWNSTREAM_UNAVAILABLE.
package qserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/baitchat/internal/ir"
)

// Defaults match a stock queue server install.
const (
	DefaultURL       = "http://localhost:60610"
	DefaultUser      = "bait_chat"
	DefaultUserGroup = "primary"
	DefaultTimeout   = 30 * time.Second
)

// Config addresses one queue server.
type Config struct {
	URL       string
	APIKey    string
	User      string
	UserGroup string
	Timeout   time.Duration
}

// Client talks to one queue server. Safe for concurrent use.
type Client struct {
	base      string
	apiKey    string
	user      string
	userGroup string
	http      *http.Client
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client. Empty fields take the package defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.User == "" {
		cfg.User = DefaultUser
	}
	if cfg.UserGroup == "" {
		cfg.UserGroup = DefaultUserGroup
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		base:      strings.TrimRight(cfg.URL, "/"),
		apiKey:    cfg.APIKey,
		user:      cfg.User,
		userGroup: cfg.UserGroup,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.base }

// Status is the subset of GET /status the CLI reports.
type Status struct {
	ManagerState     string `json:"manager_state"`
	REState          string `json:"re_state"`
	ItemsInQueue     int    `json:"items_in_queue"`
	ItemsInHistory   int    `json:"items_in_history"`
	RunningItemUID   string `json:"running_item_uid"`
	WorkerEnvExists  bool   `json:"worker_environment_exists"`
	QueueStopPending bool   `json:"queue_stop_pending"`
}

// Item is one queue entry.
type Item struct {
	UID      string         `json:"item_uid"`
	Name     string         `json:"name"`
	ItemType string         `json:"item_type,omitempty"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
	User     string         `json:"user,omitempty"`
}

// UnmarshalJSON accepts both item_uid and the older uid field.
func (i *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	var aux struct {
		plain
		LegacyUID string `json:"uid"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*i = Item(aux.plain)
	if i.UID == "" {
		i.UID = aux.LegacyUID
	}
	return nil
}

// Queue is the result of GET /queue/get.
type Queue struct {
	Items   []Item `json:"items"`
	Running *Item  `json:"running_item,omitempty"`
}

// AllowedDevice is one entry of GET /devices/allowed.
type AllowedDevice struct {
	Name        string `json:"-"`
	Class       string `json:"classname"`
	DeviceClass string `json:"device_class"`
	Module      string `json:"module"`
	Description string `json:"description"`
	IsReadable  bool   `json:"is_readable"`
	IsMovable   bool   `json:"is_movable"`
}

// ClassName returns whichever class field the server filled in.
func (d AllowedDevice) ClassName() string {
	if d.Class != "" {
		return d.Class
	}
	return d.DeviceClass
}

// AllowedPlan is one entry of GET /plans/allowed.
type AllowedPlan struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Module      string `json:"module"`
}

// response is the envelope every queue server reply carries.
type response struct {
	Success *bool  `json:"success"`
	Msg     string `json:"msg"`
}

// Status returns the manager and run engine state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}

// AllowedDevices lists the devices the server lets this user group use,
// sorted by name.
func (c *Client) AllowedDevices(ctx context.Context) ([]AllowedDevice, error) {
	var body struct {
		Allowed map[string]AllowedDevice `json:"devices_allowed"`
		Legacy  map[string]AllowedDevice `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices/allowed", nil, &body); err != nil {
		return nil, err
	}
	devices := body.Allowed
	if len(devices) == 0 {
		devices = body.Legacy
	}
	out := make([]AllowedDevice, 0, len(devices))
	for _, name := range sortedKeys(devices) {
		d := devices[name]
		d.Name = name
		out = append(out, d)
	}
	return out, nil
}

// AllowedPlans lists the plans the server lets this user group run,
// sorted by name.
func (c *Client) AllowedPlans(ctx context.Context) ([]AllowedPlan, error) {
	var body struct {
		Allowed map[string]AllowedPlan `json:"plans_allowed"`
		Legacy  map[string]AllowedPlan `json:"plans"`
	}
	if err := c.do(ctx, http.MethodGet, "/plans/allowed", nil, &body); err != nil {
		return nil, err
	}
	plans := body.Allowed
	if len(plans) == 0 {
		plans = body.Legacy
	}
	out := make([]AllowedPlan, 0, len(plans))
	for _, name := range sortedKeys(plans) {
		p := plans[name]
		p.Name = name
		out = append(out, p)
	}
	return out, nil
}

// Queue returns the pending items and the running item, if any.
func (c *Client) Queue(ctx context.Context) (Queue, error) {
	var q Queue
	if err := c.do(ctx, http.MethodGet, "/queue/get", nil, &q); err != nil {
		return Queue{}, err
	}
	// An idle server reports running_item as {}.
	if q.Running != nil && q.Running.UID == "" {
		q.Running = nil
	}
	return q, nil
}

// Submit adds a plan to the back of the queue and returns the item uid.
// Arguments travel as kwargs keyed by parameter name; the JSON object
// does not keep the schema's parameter order.
func (c *Client) Submit(ctx context.Context, plan string, args []ir.BoundArg) (string, error) {
	kwargs := make(map[string]any, len(args))
	for _, a := range args {
		kwargs[a.Name] = ir.Native(a.Value)
	}
	req := map[string]any{
		"item": map[string]any{
			"name":      plan,
			"args":      []any{},
			"kwargs":    kwargs,
			"item_type": "plan",
		},
		"user":       c.user,
		"user_group": c.userGroup,
	}
	var body struct {
		Item Item `json:"item"`
	}
	if err := c.do(ctx, http.MethodPost, "/queue/item/add", req, &body); err != nil {
		return "", err
	}
	if body.Item.UID == "" {
		return "", ir.Downstream("queue server", errors.New("response carries no item uid"))
	}
	c.logger.Debug("queue item added", "plan", plan, "item_uid", body.Item.UID)
	return body.Item.UID, nil
}

// Clear removes every pending item.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/queue/clear", nil, nil)
}

// Remove deletes one pending item.
func (c *Client) Remove(ctx context.Context, uid string) error {
	if uid == "" {
		return ir.NewError(ir.CodeInvalidArgument, "queue item uid is required")
	}
	return c.do(ctx, http.MethodPost, "/queue/item/remove", map[string]any{"uid": uid}, nil)
}

// Pause asks the run engine to pause at the next checkpoint.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/re/pause", map[string]any{"option": "deferred"}, nil)
}

// Resume continues a paused run.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/re/resume", nil, nil)
}

// refusedStatus reports a 4xx answer that a retry cannot change. Timeouts
// and throttling may pass.
func refusedStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// do sends one request and decodes the reply into out. A reply with
// success=false is a refusal even on HTTP 200. Transport failures and 5xx
// answers are retryable; refusals are not.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("queue server request failed", "path", path, "error", err)
		return ir.Downstream("queue server", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ir.Downstream("queue server", fmt.Errorf("read %s response: %w", path, err))
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		if refusedStatus(resp.StatusCode) {
			return ir.Refused("queue server", err)
		}
		return ir.Downstream("queue server", err)
	}

	var env response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return ir.Downstream("queue server", fmt.Errorf("decode %s response: %w", path, err))
		}
	}
	if env.Success != nil && !*env.Success {
		msg := env.Msg
		if msg == "" {
			msg = "request refused"
		}
		return ir.Refused("queue server", fmt.Errorf("%s: %s", path, msg))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return ir.Downstream("queue server", fmt.Errorf("decode %s response: %w", path, err))
		}
	}
	return nil
}
